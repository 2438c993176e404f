package applier

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/transport"
)

func at(term, version uint64, kv ...string) state.Snapshot {
	m := map[string]json.RawMessage{}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = json.RawMessage(kv[i+1])
	}
	return state.Snapshot{Term: term, Version: version, Content: state.NewContent(m)}
}

func newApplier(t *testing.T, initial state.Snapshot) *Applier {
	t.Helper()
	a, err := New(Options{NodeID: "n2", Initial: &initial})
	require.NoError(t, err)
	return a
}

func publish(t *testing.T, a *Applier, s state.Snapshot) transport.PublishResponse {
	t.Helper()
	resp, err := a.HandlePublish(context.Background(), transport.PublishRequest{From: "n1", Snapshot: s})
	require.NoError(t, err)
	return resp
}

func commit(t *testing.T, a *Applier, term, version uint64) transport.CommitResponse {
	t.Helper()
	resp, err := a.HandleCommit(context.Background(), transport.CommitRequest{From: "n1", Term: term, Version: version})
	require.NoError(t, err)
	return resp
}

func TestApplier_PublishThenCommitPromotes(t *testing.T) {
	a := newApplier(t, at(5, 10))
	var seen []state.ID
	a.Subscribe(func(prev, next state.Snapshot) {
		assert.Equal(t, state.ID{Term: 5, Version: 10}, prev.ID())
		seen = append(seen, next.ID())
	})

	r := publish(t, a, at(5, 11, "k", `1`))
	assert.True(t, r.Ack)
	assert.False(t, r.NoOp)
	assert.Equal(t, "n2", r.NodeID)

	staged, ok := a.Staged()
	require.True(t, ok)
	assert.Equal(t, state.ID{Term: 5, Version: 11}, staged.ID())
	assert.Equal(t, uint64(10), a.LastAuthoritative().Version, "staged is not authoritative")

	c := commit(t, a, 5, 11)
	assert.True(t, c.Ack)
	assert.Equal(t, state.ID{Term: 5, Version: 11}, a.LastAuthoritative().ID())
	_, ok = a.Staged()
	assert.False(t, ok)
	assert.Equal(t, []state.ID{{Term: 5, Version: 11}}, seen)
}

func TestApplier_StaleTermRejected(t *testing.T) {
	a := newApplier(t, at(5, 10))
	r := publish(t, a, at(4, 99))
	assert.False(t, r.Ack)
	assert.Equal(t, transport.ReasonStaleTerm, r.Reason)
	assert.ErrorIs(t, ReasonError(r.Reason), ErrStaleTerm)

	require.NoError(t, a.ObserveTerm(7))
	r = publish(t, a, at(6, 11))
	assert.Equal(t, transport.ReasonStaleTerm, r.Reason)
	assert.Equal(t, uint64(7), a.KnownTerm())
}

func TestApplier_DuplicatePublishIsNoOp(t *testing.T) {
	a := newApplier(t, at(5, 10))
	r := publish(t, a, at(5, 10))
	assert.True(t, r.Ack)
	assert.True(t, r.NoOp)
	r = publish(t, a, at(5, 9))
	assert.True(t, r.NoOp)
	_, ok := a.Staged()
	assert.False(t, ok)

	publish(t, a, at(5, 11))
	r = publish(t, a, at(5, 11))
	assert.True(t, r.Ack)
	assert.True(t, r.NoOp)
}

func TestApplier_OlderThanStagedRejected(t *testing.T) {
	a := newApplier(t, at(5, 10))
	publish(t, a, at(6, 11))
	r := publish(t, a, at(5, 11))
	assert.Equal(t, transport.ReasonStaleTerm, r.Reason, "known term advanced with the staged publish")

	b := newApplier(t, at(5, 10))
	publish(t, b, at(5, 12))
	r = publish(t, b, at(5, 11))
	assert.False(t, r.Ack)
	assert.Equal(t, transport.ReasonStaleVersion, r.Reason)
}

func TestApplier_NewerPublishReplacesStaged(t *testing.T) {
	a := newApplier(t, at(5, 10))
	publish(t, a, at(5, 11, "k", `"old"`))
	r := publish(t, a, at(7, 11, "k", `"new"`))
	require.True(t, r.Ack)

	c := commit(t, a, 5, 11)
	assert.False(t, c.Ack)
	assert.Equal(t, transport.ReasonNoStagedCandidate, c.Reason)

	commit(t, a, 7, 11)
	v, _ := a.LastAuthoritative().Content.Get("k")
	assert.JSONEq(t, `"new"`, string(v))
}

func TestApplier_CommitWithoutPublishDoesNotCorrupt(t *testing.T) {
	a := newApplier(t, at(5, 10, "k", `1`))
	before := a.LastAuthoritative()

	c := commit(t, a, 5, 11)
	assert.False(t, c.Ack)
	assert.Equal(t, transport.ReasonNoStagedCandidate, c.Reason)
	assert.ErrorIs(t, ReasonError(c.Reason), ErrNoStagedCandidate)
	assert.Equal(t, before.ID(), a.LastAuthoritative().ID())
	assert.True(t, before.Content.Same(a.LastAuthoritative().Content))

	c = commit(t, a, 5, 9)
	assert.Equal(t, transport.ReasonStaleVersion, c.Reason)
}

func TestApplier_ReplayedCommitIsNoOp(t *testing.T) {
	a := newApplier(t, at(5, 10))
	calls := 0
	cancel := a.Subscribe(func(_, _ state.Snapshot) { calls++ })

	publish(t, a, at(5, 11))
	commit(t, a, 5, 11)
	c := commit(t, a, 5, 11)
	assert.True(t, c.Ack)
	assert.True(t, c.NoOp)
	assert.Equal(t, 1, calls)

	cancel()
	publish(t, a, at(5, 12))
	commit(t, a, 5, 12)
	assert.Equal(t, 1, calls)
}

func TestApplier_NeverRegresses(t *testing.T) {
	a := newApplier(t, at(1, 1))
	var ids []state.ID
	a.Subscribe(func(_, next state.Snapshot) { ids = append(ids, next.ID()) })

	seq := []state.Snapshot{at(1, 2), at(1, 3), at(1, 2), at(3, 4), at(2, 9), at(3, 5)}
	for _, s := range seq {
		if r := publish(t, a, s); r.Ack && !r.NoOp {
			commit(t, a, s.Term, s.Version)
		}
	}
	for i := 1; i < len(ids); i++ {
		assert.True(t, ids[i].After(ids[i-1]), "%v then %v", ids[i-1], ids[i])
	}
	assert.Equal(t, state.ID{Term: 3, Version: 5}, a.LastAuthoritative().ID())
}

func TestApplier_RestoresFromBolt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store, err := OpenBolt(dir)
	require.NoError(t, err)

	initial := at(5, 10)
	a, err := New(Options{NodeID: "n2", Store: store, Initial: &initial})
	require.NoError(t, err)
	publish(t, a, at(5, 11, "k", `1`))
	commit(t, a, 5, 11)
	publish(t, a, at(6, 12, "k", `2`))
	require.NoError(t, store.Close())

	store, err = OpenBolt(dir)
	require.NoError(t, err)
	defer store.Close()
	b, err := New(Options{NodeID: "n2", Store: store, Initial: &initial})
	require.NoError(t, err)

	assert.Equal(t, state.ID{Term: 5, Version: 11}, b.LastAuthoritative().ID())
	staged, ok := b.Staged()
	require.True(t, ok)
	assert.Equal(t, state.ID{Term: 6, Version: 12}, staged.ID())
	assert.Equal(t, uint64(6), b.KnownTerm())

	c := commit(t, b, 6, 12)
	assert.True(t, c.Ack)
	v, _ := b.LastAuthoritative().Content.Get("k")
	assert.JSONEq(t, `2`, string(v))
}

func TestApplier_RetriedAttemptReplacesStagedContent(t *testing.T) {
	a := newApplier(t, at(5, 10))

	// primer intento (falló en el líder) y reintento con otro contenido en el mismo (term, version)
	_, err := a.HandlePublish(context.Background(), transport.PublishRequest{From: "n1", PublicationID: "p1", Snapshot: at(5, 11, "k", `"first"`)})
	require.NoError(t, err)
	r, err := a.HandlePublish(context.Background(), transport.PublishRequest{From: "n1", PublicationID: "p2", Snapshot: at(5, 11, "k", `"second"`)})
	require.NoError(t, err)
	assert.True(t, r.Ack)
	assert.False(t, r.NoOp)

	// un commit del intento viejo no promueve
	c, err := a.HandleCommit(context.Background(), transport.CommitRequest{From: "n1", PublicationID: "p1", Term: 5, Version: 11})
	require.NoError(t, err)
	assert.Equal(t, transport.ReasonNoStagedCandidate, c.Reason)

	c, err = a.HandleCommit(context.Background(), transport.CommitRequest{From: "n1", PublicationID: "p2", Term: 5, Version: 11})
	require.NoError(t, err)
	require.True(t, c.Ack)
	v, _ := a.LastAuthoritative().Content.Get("k")
	assert.JSONEq(t, `"second"`, string(v))
}

func TestApplier_PublishSkippingVersionsCatchesUp(t *testing.T) {
	a := newApplier(t, at(5, 10, "a", `1`))

	// se perdió 5/11: 5/12 trae el estado completo
	r := publish(t, a, at(5, 12, "a", `1`, "b", `2`))
	require.True(t, r.Ack)
	require.True(t, commit(t, a, 5, 12).Ack)

	got := a.LastAuthoritative()
	assert.Equal(t, state.ID{Term: 5, Version: 12}, got.ID())
	v, ok := got.Content.Get("b")
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(v))
}
