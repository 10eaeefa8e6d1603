// Package canvas holds the materialized document model and the pure
// application of drawing operations to it.
package canvas

import "encoding/json"

// Shape is one drawn element. Attrs is the client-defined attribute bag
// (geometry, style); the engine never interprets it beyond merging.
type Shape struct {
	ID    string                     `json:"id"`
	Attrs map[string]json.RawMessage `json:"attrs,omitempty"`
}

// Document is the materialized state of a canvas: shapes in insertion
// order. Two documents that applied the same operations in the same order
// are deeply equal.
type Document struct {
	Shapes []*Shape `json:"shapes"`
}

func NewDocument() *Document {
	return &Document{Shapes: []*Shape{}}
}

type shapePayload struct {
	ID    string                     `json:"id"`
	Attrs map[string]json.RawMessage `json:"attrs"`
}

func (d *Document) indexOf(id string) int {
	for i, s := range d.Shapes {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Find returns the shape with the given id, or nil.
func (d *Document) Find(id string) *Shape {
	if i := d.indexOf(id); i >= 0 {
		return d.Shapes[i]
	}
	return nil
}

func (d *Document) Len() int { return len(d.Shapes) }

// Apply mutates the document with one already-validated operation. Targets
// that no longer exist make the operation a no-op: concurrent deletes are
// expected and benign. The returned bool reports whether the document
// changed.
func (d *Document) Apply(kind string, payload json.RawMessage) bool {
	switch kind {
	case "add-shape":
		var p shapePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		if d.indexOf(p.ID) >= 0 {
			// Duplicate add (e.g. a client retrying): keep the first.
			return false
		}
		d.Shapes = append(d.Shapes, &Shape{ID: p.ID, Attrs: p.Attrs})
		return true
	case "modify-shape":
		var p shapePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		s := d.Find(p.ID)
		if s == nil {
			return false
		}
		if s.Attrs == nil && len(p.Attrs) > 0 {
			s.Attrs = make(map[string]json.RawMessage, len(p.Attrs))
		}
		for k, v := range p.Attrs {
			s.Attrs[k] = v
		}
		return true
	case "delete-shape":
		var p shapePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		i := d.indexOf(p.ID)
		if i < 0 {
			return false
		}
		d.Shapes = append(d.Shapes[:i], d.Shapes[i+1:]...)
		return true
	case "clear":
		if len(d.Shapes) == 0 {
			return false
		}
		d.Shapes = []*Shape{}
		return true
	}
	return false
}

// Clone returns a deep copy, safe to hand to snapshot persistence while the
// original keeps mutating under the canvas lock.
func (d *Document) Clone() *Document {
	out := &Document{Shapes: make([]*Shape, len(d.Shapes))}
	for i, s := range d.Shapes {
		cp := &Shape{ID: s.ID}
		if s.Attrs != nil {
			cp.Attrs = make(map[string]json.RawMessage, len(s.Attrs))
			for k, v := range s.Attrs {
				cp.Attrs[k] = append(json.RawMessage(nil), v...)
			}
		}
		out.Shapes[i] = cp
	}
	return out
}
