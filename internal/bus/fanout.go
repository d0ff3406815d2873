// Package bus distributes one channel's values to several consumers.
package bus

import (
	"context"
	"log"
	"sync"
)

// Mode controls what happens when a subscriber's buffer is full.
type Mode int

const (
	// Drop discards the value for that subscriber only.
	Drop Mode = iota
	// Block waits for the subscriber (or ctx) before moving on.
	Block
)

type output[T any] struct {
	name string
	ch   chan T
	mode Mode
}

// FanOut broadcasts values from a single input channel to N output channels.
// Drop-mode subscribers never slow the pipeline; Block-mode subscribers
// receive every value in order.
type FanOut[T any] struct {
	mu      sync.RWMutex
	outputs []output[T]

	// OnDrop is called when a value is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates an empty FanOut.
func New[T any]() *FanOut[T] {
	return &FanOut[T]{}
}

// Subscribe creates and returns a new output channel with the given buffer
// size. Subscribe before Run.
func (f *FanOut[T]) Subscribe(name string, bufSize int, mode Mode) <-chan T {
	ch := make(chan T, bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output[T]{name: name, ch: ch, mode: mode})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until input is closed or ctx is cancelled; every output channel
// is closed on return.
func (f *FanOut[T]) Run(ctx context.Context, input <-chan T) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-input:
			if !ok {
				return
			}
			if !f.publish(ctx, v) {
				return
			}
		}
	}
}

func (f *FanOut[T]) publish(ctx context.Context, v T) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, o := range f.outputs {
		if o.mode == Block {
			select {
			case o.ch <- v:
			case <-ctx.Done():
				return false
			}
			continue
		}
		select {
		case o.ch <- v:
		default:
			if f.OnDrop != nil {
				f.OnDrop(o.name)
			} else {
				log.Printf("[bus] output %s full, dropping value", o.name)
			}
		}
	}
	return true
}

// ChannelStat reports (length, capacity) of one subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Name: o.name, Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
