package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"collabcanvas/internal/canvas"
	"collabcanvas/internal/protocol"
	"collabcanvas/internal/store"
)

// canvasState is the authoritative in-memory state of one canvas. mu is the
// per-canvas critical section: at most one submit may be between seq
// assignment and broadcast at any instant. Canvases never share a lock.
type canvasState struct {
	mu            sync.Mutex
	doc           *canvas.Document
	seq           uint64
	degraded      bool
	sinceSnapshot int
}

// materialize returns the live state for a canvas, loading snapshot plus
// log tail from the store on first use. With create false, a canvas the
// store has never seen fails with ErrCanvasNotFound.
func (e *Engine) materialize(canvasID string, create bool) (*canvasState, error) {
	e.mu.Lock()
	cs := e.canvases[canvasID]
	if cs == nil {
		cs = &canvasState{}
		e.canvases[canvasID] = cs
	}
	e.mu.Unlock()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.doc != nil {
		return cs, nil
	}

	// A load failure leaves no half-materialized state behind.
	evict := func() {
		e.mu.Lock()
		if e.canvases[canvasID] == cs {
			delete(e.canvases, canvasID)
		}
		e.mu.Unlock()
	}

	ctx := context.Background()
	doc, seq, err := e.store.Load(ctx, canvasID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !create {
			evict()
			return nil, ErrCanvasNotFound
		}
		doc, seq = canvas.NewDocument(), 0
	case err != nil:
		log.Printf("engine: load canvas %s: %v", canvasID, err)
		evict()
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	default:
		// Replay whatever the log holds past the snapshot.
		ops, err := e.store.LoadSince(ctx, canvasID, seq)
		if err != nil {
			log.Printf("engine: replay canvas %s: %v", canvasID, err)
			evict()
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		for _, op := range ops {
			doc.Apply(op.Kind, op.Payload)
			seq = op.ServerSeq
		}
	}
	cs.doc = doc
	cs.seq = seq
	return cs, nil
}

// CatchUp streams the exact operation suffix after since to the caller, in
// serverSeq order, as ordinary operation broadcasts. It runs inside the
// canvas critical section so the suffix is complete up to the moment the
// next live broadcast can be enqueued.
func (e *Engine) CatchUp(c Conn, since uint64) error {
	r, cs := e.roomAndStateFor(c)
	if r == nil || cs == nil {
		return ErrNotAMember
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ops, err := e.store.LoadSince(context.Background(), r.canvasID, since)
	if err != nil {
		log.Printf("engine: catch-up on %s since %d: %v", r.canvasID, since, err)
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	for _, op := range ops {
		c.Send(protocol.OperationBroadcast(op))
	}
	return nil
}

// Materialize returns the current document and version of a canvas without
// joining it. Live canvases answer from memory; cold ones from the store.
func (e *Engine) Materialize(ctx context.Context, canvasID string) (*canvas.Document, uint64, error) {
	e.mu.Lock()
	cs := e.canvases[canvasID]
	e.mu.Unlock()
	if cs != nil {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cs.doc != nil {
			return cs.doc.Clone(), cs.seq, nil
		}
	}

	doc, seq, err := e.store.Load(ctx, canvasID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrCanvasNotFound
		}
		return nil, 0, err
	}
	ops, err := e.store.LoadSince(ctx, canvasID, seq)
	if err != nil {
		return nil, 0, err
	}
	for _, op := range ops {
		doc.Apply(op.Kind, op.Payload)
		seq = op.ServerSeq
	}
	return doc, seq, nil
}

// CreateCanvas eagerly persists an empty canvas so it exists before anyone
// joins.
func (e *Engine) CreateCanvas(ctx context.Context, canvasID string) error {
	return e.store.SaveSnapshot(ctx, canvasID, canvas.NewDocument(), 0)
}
