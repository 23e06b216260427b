// Package bus is a tiny in-process pub/sub ring used to hand push-worthy
// moments (first bloods, announcements, tick changes) from the projection to
// the pusher and police daemons without coupling them.
package bus

import (
	"context"
	"sync"
)

const ringSize = 32

type Message struct {
	ID      int64
	Type    string
	Payload string

	// Target groups for player push; nil means everyone.
	ToGroups []string

	// Extra context for consumers that need more than text.
	Submission any
}

// Ring keeps the last ringSize messages. Consumers poll by id; a consumer
// that falls more than a ring behind silently loses the gap, which is fine
// for notifications.
type Ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   [ringSize]Message
	nextID int64
}

func NewRing() *Ring {
	r := &Ring{nextID: 1}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Ring) Emit(m Message) {
	r.mu.Lock()
	m.ID = r.nextID
	r.nextID++
	r.msgs[m.ID%ringSize] = m
	r.mu.Unlock()
	r.cond.Broadcast()
}

// NextID returns the id the next emitted message will get. New consumers
// start here to skip history.
func (r *Ring) NextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

// Wait blocks until a message with id >= after exists, then returns all
// retained messages from that id on. Returns nil when ctx is done.
func (r *Ring) Wait(ctx context.Context, after int64) []Message {
	stop := context.AfterFunc(ctx, func() { r.cond.Broadcast() })
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.nextID <= after {
		if ctx.Err() != nil {
			return nil
		}
		r.cond.Wait()
	}

	lo := after
	if lo < r.nextID-ringSize {
		lo = r.nextID - ringSize
	}
	out := make([]Message, 0, r.nextID-lo)
	for id := lo; id < r.nextID; id++ {
		if m := r.msgs[id%ringSize]; m.ID == id {
			out = append(out, m)
		}
	}
	return out
}
