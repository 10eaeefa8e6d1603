package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"collabcanvas/internal/protocol"
)

// Submit admits one drawing operation: validate, assign the next serverSeq,
// persist, apply, broadcast. The whole admission runs inside the canvas
// critical section, so operations on one canvas are totally ordered by
// arrival while other canvases proceed in parallel. The author receives the
// broadcast like everyone else and matches it by clientSeq as its ack.
//
// Persistence uses context.Background deliberately: an operation that was
// admitted while its author disconnects must still complete and reach the
// remaining members.
func (e *Engine) Submit(c Conn, clientSeq uint64, kind string, payload json.RawMessage) error {
	r, cs := e.roomAndStateFor(c)
	if r == nil || cs == nil {
		return ErrNotAMember
	}
	if err := protocol.ValidateOperation(kind, payload); err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.degraded || cs.doc == nil {
		return ErrServiceUnavailable
	}

	cs.seq++
	op := protocol.Operation{
		CanvasID:           r.canvasID,
		AuthorConnectionID: c.ID(),
		ClientSeq:          clientSeq,
		Kind:               kind,
		Payload:            payload,
		ServerSeq:          cs.seq,
	}

	if err := e.persist(op); err != nil {
		// The seq number stays consumed. markDegradedLocked arranges a
		// re-materialization from the store, which rolls the counter back
		// to the last durable operation; the number is never reattached
		// to a different broadcast.
		log.Printf("engine: persist op %d on %s failed, canvas degraded: %v", op.ServerSeq, r.canvasID, err)
		e.markDegradedLocked(cs, r.canvasID)
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	cs.doc.Apply(op.Kind, op.Payload)
	cs.sinceSnapshot++

	e.broadcast(r.canvasID, protocol.OperationBroadcast(op))
	if e.bus != nil {
		e.bus.PublishOperation(op)
	}

	if cs.sinceSnapshot >= e.cfg.SnapshotEvery {
		cs.sinceSnapshot = 0
		go e.saveSnapshot(r.canvasID, cs.doc.Clone(), cs.seq)
	}
	return nil
}

// persist appends the already-sequenced operation, retrying with
// exponential backoff. The operation is retried, never renumbered.
func (e *Engine) persist(op protocol.Operation) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.cfg.PersistRetry
	return backoff.Retry(func() error {
		return e.store.AppendOperation(context.Background(), op)
	}, bo)
}

// markDegradedLocked fails the canvas fast and schedules recovery. Caller
// holds cs.mu. degraded stays set until a rebuild from the store succeeds,
// so submissions in the rebuild window still fail fast.
func (e *Engine) markDegradedLocked(cs *canvasState, canvasID string) {
	cs.degraded = true
	e.scheduleRecovery(cs, canvasID)
}

// scheduleRecovery drops the in-memory state after DegradedRetry and
// rebuilds it from whatever the store durably holds. The never-persisted
// tail of the seq counter rolls back with it.
func (e *Engine) scheduleRecovery(cs *canvasState, canvasID string) {
	time.AfterFunc(e.cfg.DegradedRetry, func() {
		cs.mu.Lock()
		cs.doc = nil
		cs.seq = 0
		cs.sinceSnapshot = 0
		cs.mu.Unlock()
		if _, err := e.materialize(canvasID, true); err != nil {
			log.Printf("engine: recovery of %s failed, staying degraded: %v", canvasID, err)
			e.scheduleRecovery(cs, canvasID)
			return
		}
		cs.mu.Lock()
		cs.degraded = false
		cs.mu.Unlock()
		log.Printf("engine: canvas %s recovered", canvasID)
	})
}
