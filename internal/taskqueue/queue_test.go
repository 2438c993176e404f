package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(i int) json.RawMessage { return json.RawMessage(fmt.Sprintf(`%d`, i)) }

func TestQueue_FIFOWithinKind(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Submit("A", payload(i), nil)
	}

	kind, tasks, ok := q.DrainNextBatch()
	require.True(t, ok)
	assert.Equal(t, Kind("A"), kind)
	require.Len(t, tasks, 5)
	for i, tk := range tasks {
		assert.JSONEq(t, fmt.Sprintf(`%d`, i), string(tk.Payload))
	}

	_, _, ok = q.DrainNextBatch()
	assert.False(t, ok)
}

func TestQueue_OldestPendingKindFirst(t *testing.T) {
	q := New()
	q.Submit("B", payload(1), nil)
	q.Submit("A", payload(2), nil)
	q.Submit("B", payload(3), nil)

	kind, tasks, _ := q.DrainNextBatch()
	assert.Equal(t, Kind("B"), kind)
	assert.Len(t, tasks, 2)

	// B vuelve a tener backlog después de A.
	q.Submit("B", payload(4), nil)
	kind, _, _ = q.DrainNextBatch()
	assert.Equal(t, Kind("A"), kind)
	kind, tasks, _ = q.DrainNextBatch()
	assert.Equal(t, Kind("B"), kind)
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `4`, string(tasks[0].Payload))
}

func TestQueue_ConcurrentSubmitters(t *testing.T) {
	q := New()
	const workers, per = 16, 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				q.Submit(Kind(fmt.Sprintf("k%d", w%4)), payload(w*per+i), nil)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, workers*per, q.Len())

	total := 0
	for {
		_, tasks, ok := q.DrainNextBatch()
		if !ok {
			break
		}
		total += len(tasks)
	}
	assert.Equal(t, workers*per, total)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ReadySignal(t *testing.T) {
	q := New()
	select {
	case <-q.Ready():
		t.Fatal("no work yet")
	default:
	}
	q.Submit("A", nil, nil)
	q.Submit("A", nil, nil)
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal")
	}
}

func TestTask_CompleteExactlyOnce(t *testing.T) {
	q := New()
	var calls []Result
	h := q.Submit("A", nil, func(r Result) { calls = append(calls, r) })
	_, tasks, _ := q.DrainNextBatch()

	assert.True(t, tasks[0].Succeed("v1"))
	assert.False(t, tasks[0].Fail(errors.New("late")))
	require.Len(t, calls, 1)
	assert.Equal(t, "v1", calls[0].Value)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Value)
	assert.NoError(t, res.Err)
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	q := New()
	h := q.Submit("A", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := h.Result()
	assert.False(t, ok)
	assert.NotEqual(t, h.ID.String(), "")
}

func TestQueue_FailAllAndClose(t *testing.T) {
	q := New()
	boom := errors.New("not leader")
	h1 := q.Submit("A", nil, nil)
	h2 := q.Submit("B", nil, nil)

	assert.Equal(t, 2, q.FailAll(boom))
	for _, h := range []*Handle{h1, h2} {
		res, ok := h.Result()
		require.True(t, ok)
		assert.ErrorIs(t, res.Err, boom)
	}

	q.Submit("A", nil, nil)
	assert.Equal(t, 1, q.Close(nil))
	h := q.Submit("A", nil, nil)
	res, ok := h.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrClosed)
	assert.Equal(t, 0, q.Len())
}
