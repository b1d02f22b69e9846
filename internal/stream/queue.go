// Package stream runs the live quiz: capture, segmentation, transcription and
// keyword scoring as three workers joined by bounded queues.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Get once a closed queue is drained.
var ErrClosed = errors.New("stream: queue closed")

type Policy string

const (
	// PolicyBlock makes Put wait for room.
	PolicyBlock Policy = "block"
	// PolicyDropOldest makes Put discard the oldest item when full.
	PolicyDropOldest Policy = "drop_oldest"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBlock:
		return PolicyBlock, nil
	case PolicyDropOldest:
		return PolicyDropOldest, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", s)
	}
}

// Queue is a bounded FIFO. Only the producer may call Close.
type Queue[T any] struct {
	ch      chan T
	policy  Policy
	putMu   sync.Mutex
	dropped atomic.Int64
	once    sync.Once
}

func NewQueue[T any](size int, policy Policy) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	if policy == "" {
		policy = PolicyBlock
	}
	return &Queue[T]{ch: make(chan T, size), policy: policy}
}

func (q *Queue[T]) Put(ctx context.Context, v T) error {
	if q.policy == PolicyBlock {
		select {
		case q.ch <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.putMu.Lock()
	defer q.putMu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case q.ch <- v:
			return nil
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.ch) })
}

func (q *Queue[T]) Len() int { return len(q.ch) }

// Dropped counts items discarded under PolicyDropOldest.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }
