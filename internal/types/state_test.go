package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() AreaState {
	s := NewAreaState()
	s.Entities["b"] = EntityState{ID: "b", Kind: EntityActor, X: 1, Items: []string{"axe", "rope"}, Version: 2}
	s.Entities["a"] = EntityState{ID: "a", Kind: EntityStructure, OwnerID: "b", Blueprint: "hut", Version: 1}
	s.Entities["c"] = EntityState{ID: "c", Kind: EntityNpc, Decision: "flee", TargetID: "b", Version: 3}
	return s
}

func TestAreaState_MarshalIsDeterministic(t *testing.T) {
	first := sampleState().Marshal()
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, sampleState().Marshal())
	}
}

func TestAreaState_RoundTrip(t *testing.T) {
	s := sampleState()

	got, err := UnmarshalAreaState(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestAreaState_CloneIsIndependent(t *testing.T) {
	s := sampleState()
	c := s.Clone()

	e := c.Entities["b"]
	e.Items[0] = "changed"
	c.Entities["b"] = e
	delete(c.Entities, "a")

	assert.Equal(t, "axe", s.Entities["b"].Items[0])
	assert.Equal(t, 3, s.Len())
}
