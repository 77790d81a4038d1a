/*
Copyright © 2025 Barqly

progress.go implements the progress broker for long-running operations.

This module provides:
  - Per-operation progress tracking with monotonic fractions
  - Non-blocking fan-out to subscribers (slow consumers see coalesced
    updates, never stall the operation)
  - Exactly-once terminal events, after which the operation is gone

Publishers never block on subscribers: each subscriber channel has a
buffer of one and a pending update is replaced, not queued.
*/
package progress

import (
	"sync"
	"time"
)

// Update is one progress event for an operation.
type Update struct {
	OperationID string
	// Fraction is in [0,1] and never decreases within an operation.
	Fraction float64
	// Stage is a short human-readable phase name, e.g. "encrypting".
	Stage     string
	Timestamp time.Time
	// Terminal marks the final event. Err is nil on success.
	Terminal bool
	Err      error
}

type operation struct {
	fraction float64
	stage    string
	done     bool
	subs     []chan Update
}

// Broker tracks operations and fans their progress out to subscribers.
// The zero value is not usable; call NewBroker.
type Broker struct {
	mu  sync.Mutex
	ops map[string]*operation
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{ops: make(map[string]*operation)}
}

// Start registers a new operation and emits its zero event.
func (b *Broker) Start(operationID, stage string) {
	b.mu.Lock()
	if _, exists := b.ops[operationID]; exists {
		b.mu.Unlock()
		return
	}
	b.ops[operationID] = &operation{stage: stage}
	b.mu.Unlock()
	b.Publish(operationID, 0, stage)
}

// Subscribe returns a channel of updates for the operation. The channel
// is closed after the terminal event. Subscribing to an unknown
// operation returns an already-closed channel.
func (b *Broker) Subscribe(operationID string) <-chan Update {
	ch := make(chan Update, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.ops[operationID]
	if !ok || op.done {
		close(ch)
		return ch
	}
	op.subs = append(op.subs, ch)
	// Seed the subscriber with the current state so late joiners do not
	// wait for the next publish.
	ch <- Update{
		OperationID: operationID,
		Fraction:    op.fraction,
		Stage:       op.stage,
		Timestamp:   time.Now(),
	}
	return ch
}

// Publish reports progress. Fractions below the current value are
// clamped so consumers can rely on monotonicity. Publishing to an
// unknown or finished operation is a no-op.
func (b *Broker) Publish(operationID string, fraction float64, stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.ops[operationID]
	if !ok || op.done {
		return
	}
	if fraction < op.fraction {
		fraction = op.fraction
	}
	if fraction > 1 {
		fraction = 1
	}
	op.fraction = fraction
	if stage != "" {
		op.stage = stage
	}
	u := Update{
		OperationID: operationID,
		Fraction:    op.fraction,
		Stage:       op.stage,
		Timestamp:   time.Now(),
	}
	for _, ch := range op.subs {
		send(ch, u)
	}
}

// Finish emits the terminal event (with err nil on success), closes all
// subscriber channels, and forgets the operation. Calling it twice for
// the same operation is a no-op the second time.
func (b *Broker) Finish(operationID string, err error) {
	b.mu.Lock()
	op, ok := b.ops[operationID]
	if !ok || op.done {
		b.mu.Unlock()
		return
	}
	op.done = true
	delete(b.ops, operationID)
	fraction := op.fraction
	if err == nil {
		fraction = 1
	}
	u := Update{
		OperationID: operationID,
		Fraction:    fraction,
		Stage:       op.stage,
		Timestamp:   time.Now(),
		Terminal:    true,
		Err:         err,
	}
	subs := op.subs
	b.mu.Unlock()

	for _, ch := range subs {
		// The terminal event must not be coalesced away: drain whatever
		// is pending first, then deliver and close.
		select {
		case <-ch:
		default:
		}
		ch <- u
		close(ch)
	}
}

// send delivers without blocking: a full buffer means the subscriber
// has not consumed the previous update, so it is replaced.
func send(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
