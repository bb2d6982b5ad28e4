package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areastate/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTracker(t *testing.T) (*Tracker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := New(DefaultConfig(), Handshake{ID: 1, Region: "eu", Stake: 1}, WithClock(clk.now))
	return tr, clk
}

func drain(tr *Tracker) []NodeEvent {
	var out []NodeEvent
	for {
		select {
		case ev := <-tr.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestObserve_CreatesNodeWithNeutralReputation(t *testing.T) {
	tr, _ := newTracker(t)

	created := tr.Observe(Handshake{ID: 2, Address: "n2:7400", Region: "us", Stake: 2})
	require.True(t, created)
	assert.False(t, tr.Observe(Handshake{ID: 2}))

	n, ok := tr.Get(2)
	require.True(t, ok)
	assert.Equal(t, Alive, n.Liveness)
	assert.Equal(t, "n2:7400", n.Address)
	assert.InDelta(t, 0.5, n.Participation, 1e-9)
	assert.InDelta(t, 0.7*0.5+0.3*1, n.Trust(), 1e-9)
}

func TestCheck_SuspectsThenKillsSilentNode(t *testing.T) {
	tr, clk := newTracker(t)
	tr.Observe(Handshake{ID: 2})
	drain(tr)

	clk.t = clk.t.Add(3*5*time.Second + time.Millisecond)
	tr.Check(clk.t)
	n, _ := tr.Get(2)
	assert.Equal(t, Suspected, n.Liveness)
	assert.Equal(t, 3, n.Missed)

	clk.t = clk.t.Add(7 * 5 * time.Second)
	tr.Check(clk.t)
	n, _ = tr.Get(2)
	assert.Equal(t, Dead, n.Liveness)

	events := drain(tr)
	require.Len(t, events, 2)
	assert.Equal(t, Suspected, events[0].Liveness)
	assert.Equal(t, Dead, events[1].Liveness)

	require.NoError(t, tr.Heartbeat(2, clk.t))
	n, _ = tr.Get(2)
	assert.Equal(t, Alive, n.Liveness)
	assert.Equal(t, []NodeEvent{{Node: 2, Liveness: Alive}}, drain(tr))
}

func TestCheck_NeverSuspectsSelf(t *testing.T) {
	tr, clk := newTracker(t)
	clk.t = clk.t.Add(time.Hour)
	tr.Check(clk.t)

	n, _ := tr.Get(1)
	assert.Equal(t, Alive, n.Liveness)
}

func TestCheck_UptimeDecaysWithMisses(t *testing.T) {
	tr, clk := newTracker(t)
	tr.Observe(Handshake{ID: 2})

	for i := 0; i < 5; i++ {
		clk.t = clk.t.Add(6 * time.Second)
		tr.Check(clk.t)
	}
	n, _ := tr.Get(2)
	assert.Less(t, n.Uptime, 1.0)
	assert.Greater(t, n.Uptime, 0.0)
}

func TestHeartbeat_UnknownNode(t *testing.T) {
	tr, _ := newTracker(t)
	err := tr.Heartbeat(99, time.Now())
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestReputation_ParticipationAndRejection(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Observe(Handshake{ID: 2})

	tr.RecordParticipation(2)
	n, _ := tr.Get(2)
	assert.InDelta(t, 0.5+0.02*0.5, n.Participation, 1e-9)

	before := n.Participation
	tr.RecordRejection(2)
	n, _ = tr.Get(2)
	assert.InDelta(t, before*0.8, n.Participation, 1e-9)
}

func TestReputation_ParticipationIsCapped(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Observe(Handshake{ID: 2})
	for i := 0; i < 2000; i++ {
		tr.RecordParticipation(2)
	}
	n, _ := tr.Get(2)
	assert.LessOrEqual(t, n.Participation, 1.0)
	assert.LessOrEqual(t, n.Trust(), 1.0)
}

func TestBan_ZeroesTrustAndExcludesFromRanking(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Observe(Handshake{ID: 2})
	tr.Observe(Handshake{ID: 3})
	drain(tr)

	require.True(t, tr.Ban(2, "equivocation"))
	assert.False(t, tr.Ban(2, "again"))

	n, _ := tr.Get(2)
	assert.True(t, n.Banned)
	assert.Zero(t, n.Trust())
	assert.False(t, tr.Eligible(2))
	for _, r := range tr.Ranked() {
		assert.NotEqual(t, domain.NodeID(2), r.ID)
	}
	assert.Equal(t, []NodeEvent{{Node: 2, Liveness: Alive, Banned: true}}, drain(tr))

	// Banned nodes do not earn reputation back.
	tr.RecordParticipation(2)
	n, _ = tr.Get(2)
	assert.Zero(t, n.Participation)
}

func TestBan_UnknownNodeIsRecorded(t *testing.T) {
	tr, _ := newTracker(t)
	require.True(t, tr.Ban(7, "evidence"))
	assert.True(t, tr.IsBanned(7))
}

func TestBan_RefusesSelf(t *testing.T) {
	tr, _ := newTracker(t)
	assert.False(t, tr.Ban(1, "nope"))
	assert.True(t, tr.Eligible(1))
}

func TestRanked_OrdersByWeightUptimeThenID(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Observe(Handshake{ID: 4, Stake: 1})
	tr.Observe(Handshake{ID: 3, Stake: 1})
	tr.Observe(Handshake{ID: 2, Stake: 3})

	ranked := tr.Ranked()
	ids := make([]domain.NodeID, 0, len(ranked))
	for _, n := range ranked {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []domain.NodeID{2, 1, 3, 4}, ids)
}

func TestRanked_ExcludesLowTrust(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Observe(Handshake{ID: 2})
	for i := 0; i < 20; i++ {
		tr.RecordRejection(2)
	}
	// 0.7·p + 0.3·1 stays above 0.3, so uptime alone keeps it eligible.
	assert.True(t, tr.Eligible(2))

	cfg := DefaultConfig()
	cfg.MinLeaderTrust = 0.5
	strict := New(cfg, Handshake{ID: 1})
	strict.Observe(Handshake{ID: 2})
	for i := 0; i < 3; i++ {
		strict.RecordRejection(2)
	}
	assert.False(t, strict.Eligible(2))
}

func TestRanked_IsStableSnapshot(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Observe(Handshake{ID: 2})
	before := tr.Ranked()
	tr.Ban(2, "x")

	assert.Len(t, before, 2)
	assert.Len(t, tr.Ranked(), 1)
}
