//go:build !linux

package channel

import (
	"errors"
	"os"
)

var errSharedNotImplemented = errors.New("channel: shared memory regions are not implemented on this platform")

func NewShared(layout Layout) (*Channel, error) {
	return nil, errSharedNotImplemented
}

func MappedSize(layout Layout) int {
	return alignUp(layout.Size(), os.Getpagesize())
}
