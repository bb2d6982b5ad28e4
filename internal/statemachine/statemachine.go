// Package statemachine applies committed changes to an area's entity map.
// Apply is deterministic: replicas that apply the same committed sequence end
// with byte-identical state.
package statemachine

import (
	"fmt"
	"slices"
	"sync"

	"areastate/internal/domain"
	"areastate/internal/types"
)

// Result describes what happened to one committed change. A rejected change
// still consumes a sequence number so every replica advances in lockstep.
type Result struct {
	Seq     uint64
	Applied bool
	Reason  string
}

type StateMachine struct {
	area domain.AreaID

	mu        sync.RWMutex
	state     types.AreaState
	version   uint64
	itemOwner map[string]string
}

func New(area domain.AreaID) *StateMachine {
	return &StateMachine{
		area:      area,
		state:     types.NewAreaState(),
		itemOwner: make(map[string]string),
	}
}

func (sm *StateMachine) Area() domain.AreaID { return sm.area }

func (sm *StateMachine) Version() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.version
}

// View returns a private copy of the state together with its version.
func (sm *StateMachine) View() (types.AreaState, uint64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone(), sm.version
}

// Apply advances the version by one and applies c to the state.
func (sm *StateMachine) Apply(c types.Change) Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.version++
	res := Result{Seq: sm.version, Applied: true}

	if err := sm.apply(c); err != nil {
		res.Applied = false
		res.Reason = err.Error()
	}
	return res
}

// Skip consumes a sequence number for a committed entry whose payload could
// not be decoded.
func (sm *StateMachine) Skip(reason string) Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.version++
	return Result{Seq: sm.version, Reason: reason}
}

func (sm *StateMachine) apply(c types.Change) error {
	switch ch := c.(type) {
	case types.Move:
		e, ok := sm.state.Entities[ch.EntityID]
		if ok && e.Kind == types.EntityStructure {
			return fmt.Errorf("entity %s is a structure", ch.EntityID)
		}
		if !ok {
			e = types.EntityState{ID: ch.EntityID, Kind: types.EntityActor}
		}
		e.X, e.Y, e.Z = ch.X, ch.Y, ch.Z
		e.Version = sm.version
		sm.state.Entities[ch.EntityID] = e

	case types.ItemPickup:
		if owner, held := sm.itemOwner[ch.ItemID]; held {
			return fmt.Errorf("item %s already held by %s", ch.ItemID, owner)
		}
		e, ok := sm.state.Entities[ch.EntityID]
		if ok && e.Kind == types.EntityStructure {
			return fmt.Errorf("entity %s is a structure", ch.EntityID)
		}
		if !ok {
			e = types.EntityState{ID: ch.EntityID, Kind: types.EntityActor}
		}
		e.Items = append(slices.Clone(e.Items), ch.ItemID)
		slices.Sort(e.Items)
		e.Version = sm.version
		sm.state.Entities[ch.EntityID] = e
		sm.itemOwner[ch.ItemID] = ch.EntityID

	case types.StructurePlace:
		if _, exists := sm.state.Entities[ch.StructureID]; exists {
			return fmt.Errorf("structure %s already exists", ch.StructureID)
		}
		sm.state.Entities[ch.StructureID] = types.EntityState{
			ID:        ch.StructureID,
			Kind:      types.EntityStructure,
			X:         ch.X,
			Y:         ch.Y,
			Z:         ch.Z,
			OwnerID:   ch.OwnerID,
			Blueprint: ch.Blueprint,
			Version:   sm.version,
		}

	case types.NpcDecision:
		e, ok := sm.state.Entities[ch.NpcID]
		if ok && e.Kind != types.EntityNpc {
			return fmt.Errorf("entity %s is not an npc", ch.NpcID)
		}
		if !ok {
			e = types.EntityState{ID: ch.NpcID, Kind: types.EntityNpc}
		}
		e.Decision = ch.Decision
		e.TargetID = ch.TargetID
		e.Version = sm.version
		sm.state.Entities[ch.NpcID] = e

	default:
		return fmt.Errorf("unsupported change %T", c)
	}
	return nil
}

// Snapshot returns the deterministic encoding of the current state.
func (sm *StateMachine) Snapshot() ([]byte, uint64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Marshal(), sm.version
}

func (sm *StateMachine) Restore(blob []byte, version uint64) error {
	state, err := types.UnmarshalAreaState(blob)
	if err != nil {
		return fmt.Errorf("restore area %s: %w", sm.area, err)
	}

	owners := make(map[string]string)
	for id, e := range state.Entities {
		for _, item := range e.Items {
			owners[item] = id
		}
	}

	sm.mu.Lock()
	sm.state = state
	sm.version = version
	sm.itemOwner = owners
	sm.mu.Unlock()
	return nil
}
