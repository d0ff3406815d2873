package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"cryptoindex/internal/model"
)

// indexWriter is the single-value publish operation wrapped by the breaker.
type indexWriter interface {
	Publish(ctx context.Context, v model.IndexValue) error
}

// BufferedPublisher wraps a Publisher with a circuit breaker.
// While the circuit is open, values are buffered locally. Once the breaker
// lets publishes through again, the buffer is replayed in arrival order
// before any newer value, so the latest key never moves backwards.
type BufferedPublisher struct {
	writer indexWriter
	cb     *CircuitBreaker
	ctx    context.Context
	closer func() error

	// wmu serialises Write so replay and new values cannot interleave.
	wmu sync.Mutex

	mu     sync.Mutex
	buffer []model.IndexValue
	maxBuf int // max buffered values before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when a value is buffered (for metrics)
	OnFlush  func(count int) // called after buffered values are replayed
}

// NewBufferedPublisher creates a BufferedPublisher wrapping p.
func NewBufferedPublisher(ctx context.Context, p *Publisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	bp := newBuffered(ctx, p, cb, maxBufferSize)
	bp.closer = p.Close
	return bp
}

func newBuffered(ctx context.Context, w indexWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	return &BufferedPublisher{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.IndexValue, 0, 256),
		maxBuf: maxBufferSize,
	}
}

// Write publishes v through the circuit breaker. If the circuit is open,
// or older values are still waiting, v joins the buffer and the buffer is
// replayed from its head for as long as the breaker allows.
func (bp *BufferedPublisher) Write(v model.IndexValue) error {
	bp.wmu.Lock()
	defer bp.wmu.Unlock()

	if bp.PendingCount() > 0 {
		bp.bufferWrite(v)
		return bp.replay()
	}

	err := bp.cb.Execute(func() error {
		return bp.writer.Publish(bp.ctx, v)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bp.bufferWrite(v)
		return nil // buffered, not lost
	}
	return err
}

// Run reads values from ch and publishes them.
// Blocks until ctx is cancelled or ch is closed; on a closed channel one
// last replay of the buffer is attempted.
func (bp *BufferedPublisher) Run(ctx context.Context, ch <-chan model.IndexValue) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				bp.Flush()
				return
			}
			if err := bp.Write(v); err != nil {
				log.Printf("[redis] publish %s failed: %v", v.Index, err)
			}
		}
	}
}

// Flush replays buffered values if the breaker allows it.
func (bp *BufferedPublisher) Flush() {
	bp.wmu.Lock()
	defer bp.wmu.Unlock()
	if bp.PendingCount() == 0 {
		return
	}
	if err := bp.replay(); err != nil {
		log.Printf("[redis] replay stopped, %d values still buffered: %v", bp.PendingCount(), err)
	}
}

func (bp *BufferedPublisher) bufferWrite(v model.IndexValue) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		// Buffer full, drop oldest
		bp.buffer = bp.buffer[1:]
	}
	bp.buffer = append(bp.buffer, v)

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// replay publishes the buffer head first. A value leaves the buffer only
// once it is published; an open breaker or a failed publish stops the
// replay and keeps the rest for the next attempt. Callers hold wmu.
func (bp *BufferedPublisher) replay() error {
	flushed := 0
	for {
		bp.mu.Lock()
		if len(bp.buffer) == 0 {
			bp.mu.Unlock()
			break
		}
		head := bp.buffer[0]
		bp.mu.Unlock()

		err := bp.cb.Execute(func() error {
			return bp.writer.Publish(bp.ctx, head)
		})
		if errors.Is(err, ErrCircuitOpen) {
			return nil
		}
		if err != nil {
			return err
		}

		bp.mu.Lock()
		bp.buffer = bp.buffer[1:]
		bp.mu.Unlock()
		flushed++
	}

	if flushed > 0 {
		log.Printf("[redis] replayed %d buffered values", flushed)
		if bp.OnFlush != nil {
			bp.OnFlush(flushed)
		}
	}
	return nil
}

// PendingCount returns the number of buffered values waiting to be flushed.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Close releases the underlying Redis client.
func (bp *BufferedPublisher) Close() error {
	if bp.closer == nil {
		return nil
	}
	return bp.closer()
}
