package ring

import "runtime"

// spinThreshold bounds how many times a CAS loop retries before
// yielding the processor, matching the "spin-then-yield" pattern
// required by spec §4.1 for every CAS loop in this package.
const spinThreshold = 64

// spinner tracks retry attempts for a single CAS loop and yields once
// the threshold is exceeded.
type spinner struct{ attempts int }

func (s *spinner) tick() {
	s.attempts++
	if s.attempts >= spinThreshold {
		runtime.Gosched()
		s.attempts = 0
	}
}
