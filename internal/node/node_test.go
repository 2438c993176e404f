package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/clusterstate/internal/applier"
	"github.com/dropDatabas3/clusterstate/internal/coordinator"
	"github.com/dropDatabas3/clusterstate/internal/executor"
	"github.com/dropDatabas3/clusterstate/internal/membership"
	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
	"github.com/dropDatabas3/clusterstate/internal/transport"
)

var ids = []string{"n1", "n2", "n3"}

type cluster struct {
	net     *transport.Network
	members *membership.Static
	nodes   map[string]*Node

	mu      sync.Mutex
	applied map[string][]state.ID
}

func newCluster(t *testing.T, timeout time.Duration) *cluster {
	t.Helper()
	base := state.Snapshot{Term: 5, Version: 10, Content: state.NewContent(nil)}
	c := &cluster{
		net:     transport.NewNetwork(5 * time.Second),
		nodes:   map[string]*Node{},
		applied: map[string][]state.ID{},
	}
	var ms []membership.Node
	for _, id := range ids {
		ms = append(ms, membership.Node{ID: id, MasterEligible: true})
	}
	c.members = membership.NewStatic(ms, membership.Leadership{Term: 5, LeaderID: "n1"})

	for _, id := range ids {
		id := id
		n, err := New(Options{
			ID:             id,
			Membership:     c.members,
			Transport:      c.net.Transport(id),
			Initial:        &base,
			PublishTimeout: timeout,
			Observers: []applier.Observer{func(_, next state.Snapshot) {
				c.mu.Lock()
				c.applied[id] = append(c.applied[id], next.ID())
				c.mu.Unlock()
			}},
		})
		require.NoError(t, err)
		c.net.Register(id, n.Handler())
		c.nodes[id] = n
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			assert.NoError(t, n.Run(ctx))
		}(n)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return c
}

func (c *cluster) waitVersion(t *testing.T, version uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			if n.State().Version != version {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond, "not every node reached version %d", version)
}

func wait(t *testing.T, h *taskqueue.Handle) taskqueue.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	return res
}

func put(key string, v any) json.RawMessage {
	raw, _ := json.Marshal(executor.PutRequest{Key: key, Value: mustJSON(v)})
	return raw
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func TestCluster_ThreeTasksCommitEverywhere(t *testing.T) {
	c := newCluster(t, 2*time.Second)
	leader := c.nodes["n1"]

	var handles []*taskqueue.Handle
	for i := 0; i < 3; i++ {
		handles = append(handles, leader.Submit(executor.KindPut, put(fmt.Sprintf("cfg/%d", i), i), nil))
	}
	for _, h := range handles {
		require.NoError(t, wait(t, h).Err)
	}

	c.waitVersion(t, 11)
	want := leader.State()
	for _, id := range ids {
		got := c.nodes[id].State()
		assert.Equal(t, want.ID(), got.ID(), id)
		assert.True(t, want.Content.Equal(got.Content), id)
	}
	assert.Equal(t, 3, want.Content.Len())

	p := leader.LastPublication()
	require.NotNil(t, p)
	assert.ElementsMatch(t, ids, p.Acks())
}

func TestCluster_ErrorRecordsDistinguishLeaderTerms(t *testing.T) {
	c := newCluster(t, 2*time.Second)

	report := func(source, msg string) json.RawMessage {
		return mustJSON(executor.ErrorReport{Source: source, Message: msg})
	}

	res := wait(t, c.nodes["n1"].Submit(executor.KindErrorRecord, report("pipeline", "invalid mapping"), nil))
	require.NoError(t, res.Err)
	c.waitVersion(t, 11)

	require.NoError(t, c.members.SetTerm(7, "n2"))
	require.Eventually(t, func() bool { return c.nodes["n3"].Applier().KnownTerm() == 7 }, time.Second, 5*time.Millisecond)

	// el líder viejo ya no escribe
	stale := wait(t, c.nodes["n1"].Submit(executor.KindErrorRecord, report("pipeline", "late"), nil))
	assert.ErrorIs(t, stale.Err, coordinator.ErrNotLeader)

	res = wait(t, c.nodes["n2"].Submit(executor.KindErrorRecord, report("ingest", "disk full"), nil))
	require.NoError(t, res.Err)
	c.waitVersion(t, 12)

	for _, id := range ids {
		s := c.nodes[id].State()
		assert.Equal(t, state.ID{Term: 7, Version: 12}, s.ID(), id)

		records := s.Content.ErrorRecords()
		require.Len(t, records, 2, id)
		latest, ok := state.LatestErrorRecord(records)
		require.True(t, ok)
		assert.Equal(t, uint64(7), latest.Term)
		assert.Equal(t, "disk full", latest.Message)
	}
}

func TestCluster_PartitionedFollowerCatchesUpOnNextPublication(t *testing.T) {
	c := newCluster(t, 300*time.Millisecond)
	leader := c.nodes["n1"]

	c.net.Partition("n1", "n3")
	require.NoError(t, wait(t, leader.Submit(executor.KindPut, put("a", 1), nil)).Err)
	require.Eventually(t, func() bool { return c.nodes["n2"].State().Version == 11 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(10), c.nodes["n3"].State().Version)

	c.net.Heal("n3")
	require.NoError(t, wait(t, leader.Submit(executor.KindPut, put("b", 2), nil)).Err)
	c.waitVersion(t, 12)

	s3 := c.nodes["n3"].State()
	assert.True(t, leader.State().Content.Equal(s3.Content))
	_, ok := s3.Content.Get("a")
	assert.True(t, ok)
}

func TestCluster_StepDownThenNewLeaderSupersedes(t *testing.T) {
	c := newCluster(t, 2*time.Second)
	c.net.SetReplyDelay("n2", time.Second)
	c.net.SetReplyDelay("n3", time.Second)

	h := c.nodes["n1"].Submit(executor.KindPut, put("a", "old"), nil)
	require.Eventually(t, func() bool {
		_, s2 := c.nodes["n2"].Applier().Staged()
		_, s3 := c.nodes["n3"].Applier().Staged()
		return s2 && s3
	}, 2*time.Second, 5*time.Millisecond)

	lead := c.members.SetLeader("n2")
	require.Equal(t, uint64(6), lead.Term)
	res := wait(t, h)
	assert.True(t, coordinator.IsLeadershipLoss(res.Err), "got %v", res.Err)

	c.net.SetReplyDelay("n2", 0)
	c.net.SetReplyDelay("n3", 0)
	require.NoError(t, wait(t, c.nodes["n2"].Submit(executor.KindPut, put("a", "new"), nil)).Err)
	c.waitVersion(t, 11)

	for _, id := range ids {
		n := c.nodes[id]
		s := n.State()
		assert.Equal(t, state.ID{Term: 6, Version: 11}, s.ID(), id)
		v, _ := s.Content.Get("a")
		assert.JSONEq(t, `"new"`, string(v), id)
		_, staged := n.Applier().Staged()
		assert.False(t, staged, id)
	}
}

func TestCluster_VersionsNeverRegressUnderLoad(t *testing.T) {
	c := newCluster(t, 2*time.Second)
	leader := c.nodes["n1"]

	const writers, per = 4, 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var handles []*taskqueue.Handle
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				kind := executor.KindPut
				payload := put(fmt.Sprintf("w%d/%d", w, i), i)
				if i%3 == 0 {
					kind, payload = executor.KindAck, json.RawMessage(`{}`)
				}
				h := leader.Submit(kind, payload, nil)
				mu.Lock()
				handles = append(handles, h)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	for _, h := range handles {
		require.NoError(t, wait(t, h).Err)
	}

	final := leader.State()
	c.waitVersion(t, final.Version)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		seq := c.applied[id]
		require.NotEmpty(t, seq, id)
		for i := 1; i < len(seq); i++ {
			assert.True(t, seq[i].After(seq[i-1]), "%s regressed: %s after %s", id, seq[i], seq[i-1])
		}
		assert.True(t, final.Content.Equal(c.nodes[id].State().Content), id)
	}
}

func TestNode_StopClosesQueue(t *testing.T) {
	net := transport.NewNetwork(time.Second)
	members := membership.NewStatic([]membership.Node{{ID: "solo", MasterEligible: true}}, membership.Leadership{Term: 1, LeaderID: "solo"})
	n, err := New(Options{ID: "solo", Membership: members, Transport: net.Transport("solo")})
	require.NoError(t, err)
	net.Register("solo", n.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	res := wait(t, n.Submit(executor.KindPut, put("k", "v"), nil))
	require.NoError(t, res.Err)
	assert.Equal(t, state.ID{Term: 1, Version: 1}, n.State().ID())
	assert.True(t, n.IsLeader())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("node did not stop")
	}
	res = wait(t, n.Submit(executor.KindAck, json.RawMessage(`{}`), nil))
	assert.ErrorIs(t, res.Err, taskqueue.ErrClosed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{ID: "x"})
	assert.Error(t, err)
}
