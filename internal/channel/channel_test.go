package channel

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, capacity int) *Channel {
	t.Helper()
	c, err := NewHeap(Layout{Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLayoutOffsets(t *testing.T) {
	tests := []struct {
		layout   Layout
		header   int
		coverage int
		size     int
	}{
		{Layout{Capacity: 1024}, 1024, 1088, 1040},
		{Layout{Capacity: 1024, CoverageSize: 65536}, 1024, 1088, 1088 + 65536},
		{Layout{Capacity: 5}, 8, 64, 24},
		{Layout{Capacity: 100, CoverageSize: 8}, 104, 128, 136},
	}
	for _, test := range tests {
		assert.Equal(t, test.header, test.layout.HeaderOffset(), "%+v", test.layout)
		assert.Equal(t, test.header+8, test.layout.StatusOffset(), "%+v", test.layout)
		assert.Equal(t, test.header+12, test.layout.SequenceOffset(), "%+v", test.layout)
		assert.Equal(t, test.coverage, test.layout.CoverageOffset(), "%+v", test.layout)
		assert.Equal(t, test.size, test.layout.Size(), "%+v", test.layout)
	}
}

func TestInvalidLayout(t *testing.T) {
	_, err := NewHeap(Layout{Capacity: 0})
	assert.Error(t, err)
	_, err = NewHeap(Layout{Capacity: 16, CoverageSize: -1})
	assert.Error(t, err)
	_, err = New(make([]byte, 10), Layout{Capacity: 16})
	assert.ErrorIs(t, err, ErrRegionTooSmall)
}

func TestDeliver(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		input    []byte
		want     int
	}{
		{"short", 1024, []byte("hello"), 5},
		{"exact", 16, bytes.Repeat([]byte{0xaa}, 16), 16},
		{"truncated", 1024, bytes.Repeat([]byte{0x41}, 2048), 1024},
		{"empty", 1024, []byte{}, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestChannel(t, test.capacity)
			assert.Equal(t, test.want, c.Deliver(test.input))
			assert.Equal(t, test.want, c.Len())
			assert.Equal(t, test.input[:test.want], c.Input())
			assert.LessOrEqual(t, c.Len(), c.Capacity())
		})
	}
}

func TestDeliverTruncationIsIdempotent(t *testing.T) {
	c := newTestChannel(t, 1024)
	input := make([]byte, 2048)
	for i := range input {
		input[i] = byte(i)
	}

	assert.Equal(t, 1024, c.Deliver(input))
	first := append([]byte(nil), c.Input()...)

	assert.Equal(t, 1024, c.Deliver(input))
	assert.Equal(t, 1024, c.Len())
	assert.Equal(t, first, c.Input())
	assert.Equal(t, input[:1024], c.Input())
}

func TestDeliverLeavesTail(t *testing.T) {
	c := newTestChannel(t, 8)
	c.Deliver([]byte("abcdefgh"))
	c.Deliver([]byte("xy"))
	assert.Equal(t, []byte("xy"), c.Input())
	// stale bytes beyond the stored length are not cleared
	assert.Equal(t, []byte("xycdefgh"), c.mem[:8])
}

func TestStatusSignal(t *testing.T) {
	c := newTestChannel(t, 32)
	assert.Equal(t, StatusUnknown, c.Status())

	c.SetStatus(StatusCrash)
	assert.Equal(t, StatusCrash, c.Status())
	c.ResetStatus()
	assert.Equal(t, StatusUnknown, c.Status())

	c.SetStatus(Status(77))
	assert.Equal(t, Status(77), c.Status())
	assert.False(t, c.Status().Valid())
}

func TestSequence(t *testing.T) {
	c := newTestChannel(t, 32)
	assert.Equal(t, uint32(0), c.Sequence())
	c.Complete()
	c.Complete()
	assert.Equal(t, uint32(2), c.Sequence())
}

func TestCoverage(t *testing.T) {
	c := newTestChannel(t, 32)
	assert.Nil(t, c.Coverage())

	c, err := NewHeap(Layout{Capacity: 32, CoverageSize: 128})
	require.NoError(t, err)
	cov := c.Coverage()
	require.Len(t, cov, 128)
	cov[3] = 7
	cov[127] = 1
	// coverage never overlaps the input or the header
	c.Deliver(bytes.Repeat([]byte{0xff}, 64))
	c.SetStatus(StatusOk)
	assert.Equal(t, byte(7), c.Coverage()[3])
	c.ClearCoverage()
	assert.Equal(t, make([]byte, 128), c.Coverage())
	assert.Equal(t, StatusOk, c.Status())
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
		valid  bool
	}{
		{StatusUnknown, "unknown", true},
		{StatusOk, "ok", true},
		{StatusTimeout, "timeout", true},
		{StatusCrash, "crash", true},
		{StatusGuestFault, "guest_fault", true},
		{Status(5), "invalid(5)", false},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, test.status.String())
		assert.Equal(t, test.valid, test.status.Valid())
	}
}

func TestSharedRegion(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memfd regions are linux only")
	}
	c, err := NewShared(Layout{Capacity: 1024, CoverageSize: 4096})
	if err != nil {
		t.Skipf("memfd unavailable: %v", err)
	}
	assert.Contains(t, c.Path(), "/proc/")
	assert.Equal(t, 3, c.Deliver([]byte("abc")))
	c.SetStatus(StatusOk)
	assert.Equal(t, StatusOk, c.Status())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
