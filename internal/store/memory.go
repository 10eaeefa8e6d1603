package store

import (
	"context"
	"sync"

	"collabcanvas/internal/canvas"
	"collabcanvas/internal/protocol"
)

type memCanvas struct {
	snapshot    *canvas.Document
	snapshotSeq uint64
	ops         []protocol.Operation
}

// Memory keeps everything in process. Used in tests and as the fallback
// when neither DATABASE_URL nor a bbolt path is configured.
type Memory struct {
	mu       sync.Mutex
	canvases map[string]*memCanvas
}

func NewMemory() *Memory {
	return &Memory{canvases: map[string]*memCanvas{}}
}

func (m *Memory) Load(ctx context.Context, canvasID string) (*canvas.Document, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.canvases[canvasID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if c.snapshot == nil {
		return canvas.NewDocument(), 0, nil
	}
	return c.snapshot.Clone(), c.snapshotSeq, nil
}

func (m *Memory) AppendOperation(ctx context.Context, op protocol.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.get(op.CanvasID)
	c.ops = append(c.ops, op)
	return nil
}

func (m *Memory) LoadSince(ctx context.Context, canvasID string, since uint64) ([]protocol.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.canvases[canvasID]
	if !ok {
		return nil, nil
	}
	var out []protocol.Operation
	for _, op := range c.ops {
		if op.ServerSeq > since {
			out = append(out, op)
		}
	}
	return out, nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, canvasID string, doc *canvas.Document, serverSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.get(canvasID)
	c.snapshot = doc.Clone()
	c.snapshotSeq = serverSeq
	return nil
}

func (m *Memory) get(canvasID string) *memCanvas {
	c, ok := m.canvases[canvasID]
	if !ok {
		c = &memCanvas{}
		m.canvases[canvasID] = c
	}
	return c
}
