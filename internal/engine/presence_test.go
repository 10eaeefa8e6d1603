package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/internal/protocol"
)

func cursor(x, y int) json.RawMessage {
	raw, _ := json.Marshal(map[string]int{"x": x, "y": y})
	return raw
}

func TestPresenceGoesToPeersOnly(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c1"))

	require.NoError(t, eng.Presence(a, cursor(10, 20)))

	got := b.byType(protocol.MsgPresenceBroadcast)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ConnectionID)
	assert.JSONEq(t, `{"x":10,"y":20}`, string(got[0].Payload))
	assert.Empty(t, a.byType(protocol.MsgPresenceBroadcast), "presence is not echoed to its author")
}

func TestPresenceRequiresMembership(t *testing.T) {
	eng, _ := newTestEngine(t)
	assert.ErrorIs(t, eng.Presence(newFakeConn("ghost"), cursor(0, 0)), ErrNotAMember)
}

func TestPresenceLastWriteWinsForJoiners(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := newFakeConn("a")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Presence(a, cursor(1, 1)))
	require.NoError(t, eng.Presence(a, cursor(2, 2)))

	// A joiner receives only the latest entry per peer.
	b := newFakeConn("b")
	require.NoError(t, eng.Join(b, "c1"))
	got := b.byType(protocol.MsgPresenceBroadcast)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"x":2,"y":2}`, string(got[0].Payload))
}

func TestPresenceDoesNotTouchSequencer(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c1"))

	require.NoError(t, eng.Presence(a, cursor(5, 5)))
	require.NoError(t, eng.Submit(a, 1, protocol.KindAddShape, addShape("s1")))

	assert.Equal(t, []uint64{1}, b.opSeqs(), "presence traffic consumes no serverSeq")
}
