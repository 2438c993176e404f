package membership

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeNodes() []Node {
	return []Node{
		{ID: "n1", MasterEligible: true},
		{ID: "n2", MasterEligible: true},
		{ID: "n3", MasterEligible: true},
		{ID: "c1", MasterEligible: false},
	}
}

func TestStatic_LeadershipAndEligibility(t *testing.T) {
	s := NewStatic(threeNodes(), Leadership{Term: 5, LeaderID: "n1"})
	assert.True(t, s.IsLeader("n1", 5))
	assert.False(t, s.IsLeader("n1", 4))
	assert.False(t, s.IsLeader("n2", 5))
	assert.Len(t, s.Nodes(), 4)
	assert.Len(t, s.MasterEligible(), 3)
}

func TestStatic_SetLeaderPublishes(t *testing.T) {
	s := NewStatic(threeNodes(), Leadership{Term: 5, LeaderID: "n1"})
	ch, cancel := s.Subscribe()
	defer cancel()

	l := s.SetLeader("n2")
	assert.Equal(t, Leadership{Term: 6, LeaderID: "n2"}, l)
	select {
	case got := <-ch:
		assert.Equal(t, l, got)
	case <-time.After(time.Second):
		t.Fatal("no leadership event")
	}
	assert.False(t, s.IsLeader("n1", 5))
}

func TestStatic_SetTermNeverRegresses(t *testing.T) {
	s := NewStatic(threeNodes(), Leadership{Term: 5, LeaderID: "n1"})
	assert.Error(t, s.SetTerm(4, "n2"))
	assert.Error(t, s.SetTerm(5, "n2"))
	assert.NoError(t, s.SetTerm(5, "n1"))
	require.NoError(t, s.SetTerm(7, "n3"))
	assert.Equal(t, Leadership{Term: 7, LeaderID: "n3"}, s.Leadership())
}

func TestBroadcaster_SlowSubscriberKeepsLatest(t *testing.T) {
	s := NewStatic(threeNodes(), Leadership{Term: 1, LeaderID: "n1"})
	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer*3; i++ {
		s.SetLeader("n1")
	}
	var last Leadership
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, s.Leadership(), last)
}

func fastRaft(c *raft.Config) {
	c.HeartbeatTimeout = 50 * time.Millisecond
	c.ElectionTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 50 * time.Millisecond
	c.CommitTimeout = 5 * time.Millisecond
}

func TestRaftElector_SingleNodeBecomesLeader(t *testing.T) {
	_, trans := raft.NewInmemTransport(raft.ServerAddress("n1"))
	e, err := NewRaftElector(RaftOptions{
		NodeID:    "n1",
		Transport: trans,
		Nodes:     []Node{{ID: "n1", MasterEligible: true}},
		Tune:      fastRaft,
	})
	require.NoError(t, err)
	defer e.Close()

	require.Eventually(t, func() bool { return e.Leadership().LeaderID == "n1" }, 5*time.Second, 10*time.Millisecond)
	l := e.Leadership()
	assert.GreaterOrEqual(t, l.Term, uint64(1))
	assert.True(t, e.IsLeader("n1", l.Term))
	assert.False(t, e.IsLeader("n1", l.Term+1))
	assert.Equal(t, []Node{{ID: "n1", MasterEligible: true}}, e.MasterEligible())
}

func TestRaftElector_ThreeNodesAgreeOnLeader(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	peers := map[string]string{}
	transports := map[string]*raft.InmemTransport{}
	for _, id := range ids {
		_, tr := raft.NewInmemTransport(raft.ServerAddress(id))
		transports[id] = tr
		peers[id] = id
	}
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				transports[a].Connect(raft.ServerAddress(b), transports[b])
			}
		}
	}

	var electors []*RaftElector
	for _, id := range ids {
		e, err := NewRaftElector(RaftOptions{
			NodeID:    id,
			Transport: transports[id],
			Peers:     peers,
			Nodes:     threeNodes(),
			Tune:      fastRaft,
		})
		require.NoError(t, err)
		electors = append(electors, e)
	}
	defer func() {
		for _, e := range electors {
			_ = e.Close()
		}
	}()

	require.Eventually(t, func() bool {
		first := electors[0].Leadership()
		if first.LeaderID == "" {
			return false
		}
		for _, e := range electors[1:] {
			if e.Leadership() != first {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	l := electors[0].Leadership()
	leaders := 0
	for _, e := range electors {
		if e.IsLeader(string(e.id), l.Term) {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders, fmt.Sprintf("leadership=%+v", l))

	var leader *RaftElector
	for _, e := range electors {
		if string(e.id) == l.LeaderID {
			leader = e
		}
	}
	require.NotNil(t, leader)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Len(t, leader.MasterEligible(), 3)
	require.NoError(t, leader.AddVoter(ctx, "n3", "n3"))
	assert.Len(t, leader.MasterEligible(), 3)
}
