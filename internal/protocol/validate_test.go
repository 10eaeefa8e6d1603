package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateOperation(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload string
		ok      bool
	}{
		{"add with id", KindAddShape, `{"id":"s1","attrs":{"x":"1"}}`, true},
		{"add without id", KindAddShape, `{"attrs":{"x":"1"}}`, false},
		{"add empty payload", KindAddShape, ``, false},
		{"add bad json", KindAddShape, `{"id":`, false},
		{"modify with id", KindModifyShape, `{"id":"s1"}`, true},
		{"modify without id", KindModifyShape, `{}`, false},
		{"delete with id", KindDeleteShape, `{"id":"s1"}`, true},
		{"delete without id", KindDeleteShape, `{}`, false},
		{"clear bare", KindClear, ``, true},
		{"clear empty object", KindClear, `{}`, true},
		{"clear with payload", KindClear, `{"id":"s1"}`, false},
		{"unknown kind", "resize-canvas", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOperation(tt.kind, json.RawMessage(tt.payload))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}
}

func TestOperationBroadcastCarriesAck(t *testing.T) {
	op := Operation{
		CanvasID:           "c1",
		AuthorConnectionID: "conn-1",
		ClientSeq:          7,
		Kind:               KindAddShape,
		Payload:            json.RawMessage(`{"id":"s1"}`),
		ServerSeq:          3,
	}
	msg := OperationBroadcast(op)
	assert.Equal(t, MsgOperationBroadcast, msg.Type)
	assert.Equal(t, uint64(3), msg.ServerSeq)
	assert.Equal(t, uint64(7), msg.ClientSeq)
	assert.Equal(t, "conn-1", msg.AuthorConnectionID)
}
