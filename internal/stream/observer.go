package stream

import "time"

// Observer receives stream lifecycle notifications from a Processor. Calls happen on
// the goroutine driving the connection and must not block.
type Observer interface {
	StreamOpened(streamID uint64)
	StreamRejected(streamID uint64)
	HeadersBlocked(streamID uint64)
	StreamReset(streamID, code uint64)
	StreamCompleted(streamID uint64, status int, elapsed time.Duration)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StreamOpened(uint64)                        {}
func (NopObserver) StreamRejected(uint64)                      {}
func (NopObserver) HeadersBlocked(uint64)                      {}
func (NopObserver) StreamReset(uint64, uint64)                 {}
func (NopObserver) StreamCompleted(uint64, int, time.Duration) {}
