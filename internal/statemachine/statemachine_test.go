package statemachine

import (
	"testing"

	"areastate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_ApplyAdvancesVersion(t *testing.T) {
	sm := New("a1")

	r1 := sm.Apply(types.Move{EntityID: "p1", X: 1, Y: 2})
	r2 := sm.Apply(types.Move{EntityID: "p1", X: 3, Y: 4})

	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, uint64(2), r2.Seq)
	assert.True(t, r2.Applied)

	state, version := sm.View()
	assert.Equal(t, uint64(2), version)
	p1, ok := state.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 3.0, p1.X)
	assert.Equal(t, uint64(2), p1.Version)
}

func TestStateMachine_RejectionStillConsumesSeq(t *testing.T) {
	sm := New("a1")

	sm.Apply(types.ItemPickup{EntityID: "p1", ItemID: "gem"})
	res := sm.Apply(types.ItemPickup{EntityID: "p2", ItemID: "gem"})

	assert.False(t, res.Applied)
	assert.Contains(t, res.Reason, "already held")
	assert.Equal(t, uint64(2), sm.Version())

	state, _ := sm.View()
	_, exists := state.Get("p2")
	assert.False(t, exists)
}

func TestStateMachine_StructureRules(t *testing.T) {
	sm := New("a1")

	ok := sm.Apply(types.StructurePlace{StructureID: "hut", OwnerID: "p1", Blueprint: "hut"})
	dup := sm.Apply(types.StructurePlace{StructureID: "hut", OwnerID: "p2", Blueprint: "hut"})
	move := sm.Apply(types.Move{EntityID: "hut", X: 5})

	assert.True(t, ok.Applied)
	assert.False(t, dup.Applied)
	assert.False(t, move.Applied)
}

func TestStateMachine_SnapshotRestore(t *testing.T) {
	sm := New("a1")
	sm.Apply(types.Move{EntityID: "p1", X: 1})
	sm.Apply(types.ItemPickup{EntityID: "p1", ItemID: "gem"})
	sm.Apply(types.NpcDecision{NpcID: "n1", Decision: "guard"})

	blob, version := sm.Snapshot()

	restored := New("a1")
	require.NoError(t, restored.Restore(blob, version))

	a, av := sm.View()
	b, bv := restored.View()
	assert.Equal(t, av, bv)
	assert.Equal(t, a, b)

	res := restored.Apply(types.ItemPickup{EntityID: "p2", ItemID: "gem"})
	assert.False(t, res.Applied, "item ownership must survive restore")
}

func TestStateMachine_ReplicasConverge(t *testing.T) {
	changes := []types.Change{
		types.Move{EntityID: "p1", X: 1},
		types.StructurePlace{StructureID: "s1", OwnerID: "p1", Blueprint: "wall"},
		types.ItemPickup{EntityID: "p1", ItemID: "i1"},
		types.ItemPickup{EntityID: "p2", ItemID: "i1"},
		types.NpcDecision{NpcID: "n1", Decision: "trade", TargetID: "p1"},
	}

	a, b := New("a1"), New("a1")
	for _, c := range changes {
		a.Apply(c)
		b.Apply(c)
	}

	ab, _ := a.Snapshot()
	bb, _ := b.Snapshot()
	assert.Equal(t, ab, bb)
}
