package events

import "sync/atomic"

// ChannelSink forwards events to a buffered channel and drops them when the
// reader falls behind.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) C() <-chan Event { return s.ch }

// Dropped is the number of events lost to a full buffer.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }
