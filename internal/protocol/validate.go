package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed operation")

// shapeRef is the part of an operation payload every shape-targeting kind
// must carry.
type shapeRef struct {
	ID string `json:"id"`
}

// ValidateOperation checks that payload is well-formed for kind. It does not
// look at document state; absent targets are resolved later as benign
// conflicts, not validation failures.
func ValidateOperation(kind string, payload json.RawMessage) error {
	switch kind {
	case KindAddShape, KindModifyShape, KindDeleteShape:
		if len(payload) == 0 {
			return fmt.Errorf("%w: %s requires a payload", ErrMalformed, kind)
		}
		var ref shapeRef
		if err := json.Unmarshal(payload, &ref); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ref.ID == "" {
			return fmt.Errorf("%w: %s requires a shape id", ErrMalformed, kind)
		}
		return nil
	case KindClear:
		// clear carries no payload; tolerate an empty object.
		if len(payload) > 0 && string(payload) != "{}" && string(payload) != "null" {
			return fmt.Errorf("%w: clear takes no payload", ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
	}
}
