package message

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Fragment{ConnID: 3, MsgID: 42, Remain: -5, Data: []byte("abcd")}
	buf := make([]byte, HeaderSize+len(f.Data))
	n := Encode(f, buf)
	assert.Equal(t, len(buf), n)

	got := Decode(buf)
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("decoded fragment mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitWholeMessage(t *testing.T) {
	payload := []byte("hello")
	frags := Split(1, 7, payload, 64)
	if assert.Len(t, frags, 1) {
		assert.True(t, frags[0].IsWhole())
		assert.Equal(t, len(payload), frags[0].WholeLen())
		assert.Equal(t, payload, frags[0].Data)
	}
}

func TestSplitEmptyWholeMessage(t *testing.T) {
	frags := Split(1, 7, nil, 64)
	if assert.Len(t, frags, 1) {
		assert.True(t, frags[0].IsWhole())
		assert.Equal(t, 0, frags[0].WholeLen())
	}
}

func TestSplitMultiFragment(t *testing.T) {
	payload := make([]byte, 25)
	for i := range payload {
		payload[i] = byte(i)
	}

	frags := Split(2, 9, payload, 10)
	require := assert.New(t)
	require.Len(frags, 3)
	for _, f := range frags {
		require.False(f.IsWhole())
	}
	assert.Equal(t, int32(0), frags[len(frags)-1].Remain)

	var reassembled []byte
	for _, f := range frags {
		reassembled = append(reassembled, f.Data...)
	}
	assert.Equal(t, payload, reassembled)
}
