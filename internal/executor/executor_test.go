package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
)

func batchOf(t *testing.T, term uint64, prev state.Snapshot, kind taskqueue.Kind, payloads ...string) Batch {
	t.Helper()
	q := taskqueue.New()
	for _, p := range payloads {
		q.Submit(kind, json.RawMessage(p), nil)
	}
	k, tasks, ok := q.DrainNextBatch()
	require.True(t, ok)
	return Batch{Term: term, Kind: k, Previous: prev, Tasks: tasks}
}

func base() state.Snapshot {
	return state.Snapshot{Term: 5, Version: 10, Content: state.NewContent(map[string]json.RawMessage{
		"cfg/a": json.RawMessage(`1`),
	})}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []taskqueue.Kind{KindDelete, KindPut, KindErrorRecord, KindAck}, r.Kinds())

	err := r.Register(KindAck, Ack{})
	assert.ErrorIs(t, err, ErrDuplicateKind)

	_, ok := r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_UnknownKindIsBatchError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), batchOf(t, 5, base(), "A", `{}`))
	require.Error(t, err)
	assert.True(t, IsBatchError(err))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistry_ExecutorErrorAndPanic(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.MustRegister("fails", Func(func(context.Context, Batch) (Result, error) { return Result{}, boom }))
	r.MustRegister("panics", Func(func(context.Context, Batch) (Result, error) { panic("kaboom") }))
	r.MustRegister("short", Func(func(_ context.Context, b Batch) (Result, error) {
		return Result{Content: b.Previous.Content}, nil
	}))

	_, err := r.Execute(context.Background(), batchOf(t, 5, base(), "fails", `{}`))
	assert.ErrorIs(t, err, boom)

	_, err = r.Execute(context.Background(), batchOf(t, 5, base(), "panics", `{}`))
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, taskqueue.Kind("panics"), be.Kind)
	assert.Contains(t, err.Error(), "kaboom")

	_, err = r.Execute(context.Background(), batchOf(t, 5, base(), "short", `{}`))
	assert.ErrorIs(t, err, ErrOutcomeMismatch)
}

func TestAck_ReturnsIdenticalContent(t *testing.T) {
	prev := base()
	res, err := NewDefaultRegistry().Execute(context.Background(), batchOf(t, 5, prev, KindAck, `{}`, `{}`))
	require.NoError(t, err)
	assert.True(t, res.Unchanged(prev))
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, state.ID{Term: 5, Version: 10}, res.Outcomes[0].Value)
}

func TestPut_AppliesInOrderWithoutMutatingPrevious(t *testing.T) {
	prev := base()
	b := batchOf(t, 5, prev, KindPut,
		`{"key":"cfg/b","value":{"x": 1}}`,
		`{"key":"cfg/b","value":2}`,
		`{"key":"errors/x","value":1}`,
		`{"key":"cfg/c","value":not-json}`,
	)
	res, err := NewDefaultRegistry().Execute(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, res.Unchanged(prev))

	v, ok := res.Content.Get("cfg/b")
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(v))
	_, ok = prev.Content.Get("cfg/b")
	assert.False(t, ok)

	assert.NoError(t, res.Outcomes[0].Err)
	assert.NoError(t, res.Outcomes[1].Err)
	assert.ErrorIs(t, res.Outcomes[2].Err, ErrReservedKey)
	assert.ErrorIs(t, res.Outcomes[3].Err, ErrInvalidPayload)
}

func TestPut_SameValueIsUnchanged(t *testing.T) {
	prev := base()
	res, err := Put{}.Execute(context.Background(), batchOf(t, 5, prev, KindPut, `{"key":"cfg/a","value":1}`))
	require.NoError(t, err)
	assert.True(t, res.Unchanged(prev))
}

func TestDelete_MissingKeyIsUnchanged(t *testing.T) {
	prev := base()
	res, err := Delete{}.Execute(context.Background(), batchOf(t, 5, prev, KindDelete, `{"key":"nope"}`))
	require.NoError(t, err)
	assert.True(t, res.Unchanged(prev))
	assert.Equal(t, false, res.Outcomes[0].Value)

	res, err = Delete{}.Execute(context.Background(), batchOf(t, 5, prev, KindDelete, `{"key":"cfg/a"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Content.Len())
	assert.Equal(t, true, res.Outcomes[0].Value)
}

func TestErrorRecorder_StampsLeaderTerm(t *testing.T) {
	prev := base()
	res, err := ErrorRecorder{}.Execute(context.Background(),
		batchOf(t, 5, prev, KindErrorRecord, `{"source":"pipeline","message":"bad config"}`))
	require.NoError(t, err)
	require.NoError(t, res.Outcomes[0].Err)

	records := res.Content.ErrorRecords()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(5), records[0].Term)
	assert.Equal(t, "bad config", records[0].Message)
	assert.False(t, records[0].RecordedAt.IsZero())

	// mismo term, mismo mensaje: nada que publicar
	s5 := prev.Next(5, res.Content)
	again, err := ErrorRecorder{}.Execute(context.Background(),
		batchOf(t, 5, s5, KindErrorRecord, `{"source":"pipeline","message":"bad config"}`))
	require.NoError(t, err)
	assert.True(t, again.Unchanged(s5))

	// un líder nuevo reescribe con su term
	s7, err := ErrorRecorder{}.Execute(context.Background(),
		batchOf(t, 7, s5, KindErrorRecord, `{"source":"pipeline","message":"bad config"}`))
	require.NoError(t, err)
	assert.False(t, s7.Unchanged(s5))
	latest, ok := state.LatestErrorRecord(s7.Content.ErrorRecords())
	require.True(t, ok)
	assert.Equal(t, uint64(7), latest.Term)
}

func TestErrorRecorder_ClearAndInvalid(t *testing.T) {
	rec, _ := json.Marshal(state.ErrorRecord{Term: 5, Source: "s", Message: "m"})
	prev := state.Snapshot{Term: 5, Version: 3, Content: state.NewContent(map[string]json.RawMessage{
		state.ErrorKey("s"): rec,
	})}
	res, err := ErrorRecorder{}.Execute(context.Background(),
		batchOf(t, 5, prev, KindErrorRecord, `{"source":"s","message":""}`, `{"source":"","message":"x"}`, `[]`))
	require.NoError(t, err)
	assert.Empty(t, res.Content.ErrorRecords())
	assert.NoError(t, res.Outcomes[0].Err)
	assert.ErrorIs(t, res.Outcomes[1].Err, ErrInvalidPayload)
	assert.ErrorIs(t, res.Outcomes[2].Err, ErrInvalidPayload)
}
