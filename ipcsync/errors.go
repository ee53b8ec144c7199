package ipcsync

import "errors"

// errTimeout is returned internally by futexWait when its deadline
// elapses; translated to an *ipcerr.Error at the public API boundary.
var errTimeout = errors.New("ipcsync: futex wait timed out")

// InfiniteTimeout is the sentinel spec §6/§7 reserves for "no
// deadline" on every blocking call in this package.
const InfiniteTimeout = -1
