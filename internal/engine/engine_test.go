package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/internal/canvas"
	"collabcanvas/internal/protocol"
	"collabcanvas/internal/store"
)

// fakeConn records everything the engine sends it.
type fakeConn struct {
	id   string
	user string

	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, user: "user-" + id}
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.user }

func (f *fakeConn) Send(msg protocol.ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeConn) messages() []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ServerMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeConn) byType(t string) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for _, m := range f.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) opSeqs() []uint64 {
	var out []uint64
	for _, m := range f.byType(protocol.MsgOperationBroadcast) {
		out = append(out, m.ServerSeq)
	}
	return out
}

func (f *fakeConn) lastJoined(t *testing.T) protocol.ServerMessage {
	t.Helper()
	joined := f.byType(protocol.MsgJoined)
	require.NotEmpty(t, joined)
	return joined[len(joined)-1]
}

func testConfig() Config {
	return Config{
		RoomGrace:     20 * time.Millisecond,
		SnapshotEvery: 1000,
		PersistRetry:  time.Nanosecond,
		DegradedRetry: time.Hour,
		CreateOnJoin:  true,
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return New(st, testConfig()), st
}

func addShape(id string) json.RawMessage {
	return json.RawMessage(`{"id":"` + id + `"}`)
}

func TestJoinEmptyCanvas(t *testing.T) {
	eng, _ := newTestEngine(t)
	c := newFakeConn("a")
	require.NoError(t, eng.Join(c, "c1"))

	joined := c.lastJoined(t)
	assert.Equal(t, uint64(0), joined.ServerSeq)
	assert.JSONEq(t, `{"shapes":[]}`, string(joined.Document))
	assert.ElementsMatch(t, []string{"a"}, eng.MembersOf("c1"))
}

func TestJoinUnknownCanvasWithoutCreate(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	cfg.CreateOnJoin = false
	eng := New(st, cfg)
	err := eng.Join(newFakeConn("a"), "missing")
	assert.ErrorIs(t, err, ErrCanvasNotFound)
}

func TestSubmitBroadcastsToAllIncludingAuthor(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c1"))

	require.NoError(t, eng.Submit(a, 1, protocol.KindAddShape, addShape("s1")))

	for _, c := range []*fakeConn{a, b} {
		ops := c.byType(protocol.MsgOperationBroadcast)
		require.Len(t, ops, 1)
		assert.Equal(t, uint64(1), ops[0].ServerSeq)
		assert.Equal(t, "a", ops[0].AuthorConnectionID)
		assert.Equal(t, uint64(1), ops[0].ClientSeq, "author matches the ack by clientSeq")
	}
}

func TestLateJoinerSeesMaterializedDocument(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := newFakeConn("a")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Submit(a, 1, protocol.KindAddShape, addShape("s1")))

	b := newFakeConn("b")
	require.NoError(t, eng.Join(b, "c1"))
	joined := b.lastJoined(t)
	assert.Equal(t, uint64(1), joined.ServerSeq)

	var doc canvas.Document
	require.NoError(t, json.Unmarshal(joined.Document, &doc))
	assert.NotNil(t, doc.Find("s1"))
}

func TestSubmitRequiresMembership(t *testing.T) {
	eng, _ := newTestEngine(t)
	err := eng.Submit(newFakeConn("ghost"), 1, protocol.KindAddShape, addShape("s1"))
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestMalformedOperationRejectedToSenderOnly(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c1"))

	err := eng.Submit(a, 1, protocol.KindAddShape, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Empty(t, b.byType(protocol.MsgOperationBroadcast))

	// The canvas is untouched: the next operation takes seq 1.
	require.NoError(t, eng.Submit(a, 2, protocol.KindAddShape, addShape("s1")))
	assert.Equal(t, []uint64{1}, b.opSeqs())
}

func TestNoGapsAndOrderUnderConcurrency(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c1"))

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			author := a
			if w%2 == 1 {
				author = b
			}
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("s-%d-%d", w, i)
				assert.NoError(t, eng.Submit(author, uint64(i+1), protocol.KindAddShape, addShape(id)))
			}
		}(w)
	}
	wg.Wait()

	total := writers * perWriter
	for _, c := range []*fakeConn{a, b} {
		seqs := c.opSeqs()
		require.Len(t, seqs, total)
		for i, s := range seqs {
			assert.Equal(t, uint64(i+1), s, "serverSeq must be contiguous and in broadcast order")
		}
	}
}

func TestCanvasIsolation(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c2"))

	require.NoError(t, eng.Submit(a, 1, protocol.KindAddShape, addShape("s1")))
	require.NoError(t, eng.Submit(b, 1, protocol.KindAddShape, addShape("s2")))

	// Each canvas runs its own counter and fan-out.
	assert.Equal(t, []uint64{1}, a.opSeqs())
	assert.Equal(t, []uint64{1}, b.opSeqs())
	assert.Equal(t, "a", a.byType(protocol.MsgOperationBroadcast)[0].AuthorConnectionID)
	assert.Equal(t, "b", b.byType(protocol.MsgOperationBroadcast)[0].AuthorConnectionID)
}

func TestConcurrentModifyAndDeleteConverge(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c1"))

	require.NoError(t, eng.Submit(a, 1, protocol.KindAddShape, addShape("s1")))
	require.NoError(t, eng.Submit(b, 1, protocol.KindDeleteShape, json.RawMessage(`{"id":"s1"}`)))
	// Arrives after the delete: benign conflict, applies as a no-op.
	require.NoError(t, eng.Submit(a, 2, protocol.KindModifyShape, json.RawMessage(`{"id":"s1","attrs":{"x":"1"}}`)))

	doc, seq, err := eng.Materialize(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Nil(t, doc.Find("s1"))

	// Both members saw the same order.
	assert.Equal(t, a.opSeqs(), b.opSeqs())
}

func TestCatchUpReturnsExactSuffix(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := newFakeConn("a")
	require.NoError(t, eng.Join(a, "c1"))
	for i := 1; i <= 5; i++ {
		require.NoError(t, eng.Submit(a, uint64(i), protocol.KindAddShape, addShape(fmt.Sprintf("s%d", i))))
	}

	b := newFakeConn("b")
	require.NoError(t, eng.Join(b, "c1"))
	require.NoError(t, eng.CatchUp(b, 2))

	seqs := b.opSeqs()
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
}

// Replaying the full log from an empty document must equal the live
// materialized state: the convergence property behind reconnects.
func TestCatchUpFromZeroRebuildsDocument(t *testing.T) {
	eng, st := newTestEngine(t)
	a := newFakeConn("a")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Submit(a, 1, protocol.KindAddShape, json.RawMessage(`{"id":"s1","attrs":{"x":"1"}}`)))
	require.NoError(t, eng.Submit(a, 2, protocol.KindAddShape, addShape("s2")))
	require.NoError(t, eng.Submit(a, 3, protocol.KindModifyShape, json.RawMessage(`{"id":"s1","attrs":{"x":"7"}}`)))
	require.NoError(t, eng.Submit(a, 4, protocol.KindDeleteShape, json.RawMessage(`{"id":"s2"}`)))

	ops, err := st.LoadSince(context.Background(), "c1", 0)
	require.NoError(t, err)
	rebuilt := canvas.NewDocument()
	for _, op := range ops {
		rebuilt.Apply(op.Kind, op.Payload)
	}

	live, _, err := eng.Materialize(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, live, rebuilt)
}

func TestLeaveBroadcastsPresenceRemoved(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(b, "c1"))

	eng.Leave(a)
	eng.Leave(a) // duplicate detection paths must collapse to one leave

	removed := b.byType(protocol.MsgPresenceRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "a", removed[0].ConnectionID)
	assert.ElementsMatch(t, []string{"b"}, eng.MembersOf("c1"))
}

func TestRoomTeardownAfterGrace(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := newFakeConn("a")
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Submit(a, 1, protocol.KindAddShape, addShape("s1")))
	eng.Leave(a)

	require.Eventually(t, func() bool {
		return len(eng.DebugState()) == 0
	}, time.Second, 10*time.Millisecond, "empty room should be torn down after the grace period")

	// The document survives teardown in the store.
	b := newFakeConn("b")
	require.NoError(t, eng.Join(b, "c1"))
	assert.Equal(t, uint64(1), b.lastJoined(t).ServerSeq)
}

func TestRejoinWithinGraceKeepsRoom(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := newFakeConn("a")
	require.NoError(t, eng.Join(a, "c1"))
	eng.Leave(a)

	b := newFakeConn("b")
	require.NoError(t, eng.Join(b, "c1"))
	time.Sleep(60 * time.Millisecond)
	assert.ElementsMatch(t, []string{"b"}, eng.MembersOf("c1"))
}

func TestRejoinRacingTeardownKeepsSequencerRegistered(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := newFakeConn("a")
	require.NoError(t, eng.Join(a, "c1"))
	eng.Leave(a)

	// The worst interleaving of a rejoin with the grace timer: the joiner
	// resolves the canvas state, the timer tears the room down and evicts
	// that state, then registration runs.
	b := newFakeConn("b")
	cs, err := eng.materialize("c1", true)
	require.NoError(t, err)
	eng.teardown("c1")
	cs.mu.Lock()
	eng.register(b, "c1", cs)
	cs.mu.Unlock()

	require.NoError(t, eng.Submit(b, 1, protocol.KindAddShape, addShape("s1")))
	assert.Equal(t, []uint64{1}, b.opSeqs())
}

func TestJoinSwitchesRooms(t *testing.T) {
	eng, _ := newTestEngine(t)
	a, peer := newFakeConn("a"), newFakeConn("p")
	require.NoError(t, eng.Join(peer, "c1"))
	require.NoError(t, eng.Join(a, "c1"))
	require.NoError(t, eng.Join(a, "c2"))

	assert.ElementsMatch(t, []string{"p"}, eng.MembersOf("c1"))
	assert.ElementsMatch(t, []string{"a"}, eng.MembersOf("c2"))
	require.Len(t, peer.byType(protocol.MsgPresenceRemoved), 1)
}
