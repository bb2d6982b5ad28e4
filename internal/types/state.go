package types

import (
	"fmt"
	"slices"
	"sort"

	"areastate/internal/wire"
)

type EntityKind uint32

const (
	EntityActor EntityKind = iota + 1
	EntityStructure
	EntityNpc
)

type EntityState struct {
	ID        string
	Kind      EntityKind
	X, Y, Z   float64
	OwnerID   string
	Blueprint string
	Items     []string
	Decision  string
	TargetID  string
	// Version of the change that last touched this entity.
	Version uint64
}

func (e EntityState) clone() EntityState {
	e.Items = slices.Clone(e.Items)
	return e
}

// AreaState maps entity id to entity state. Values handed out by the state
// machine or the cache are private copies.
type AreaState struct {
	Entities map[string]EntityState
}

func NewAreaState() AreaState {
	return AreaState{Entities: make(map[string]EntityState)}
}

func (s AreaState) Get(id string) (EntityState, bool) {
	e, ok := s.Entities[id]
	if !ok {
		return EntityState{}, false
	}
	return e.clone(), true
}

func (s AreaState) Len() int { return len(s.Entities) }

func (s AreaState) Clone() AreaState {
	out := AreaState{Entities: make(map[string]EntityState, len(s.Entities))}
	for id, e := range s.Entities {
		out.Entities[id] = e.clone()
	}
	return out
}

// Marshal encodes entities sorted by id so replicas at the same version
// produce identical bytes.
func (s AreaState) Marshal() []byte {
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	enc := wire.NewEncoder(len(ids) * 48)
	for _, id := range ids {
		e := s.Entities[id]
		enc.Message(1, func(m *wire.Encoder) {
			m.String(1, e.ID)
			m.Uint(2, uint64(e.Kind))
			m.Float(3, e.X)
			m.Float(4, e.Y)
			m.Float(5, e.Z)
			m.String(6, e.OwnerID)
			m.String(7, e.Blueprint)
			for _, item := range e.Items {
				m.String(8, item)
			}
			m.String(9, e.Decision)
			m.String(10, e.TargetID)
			m.Uint(11, e.Version)
		})
	}
	return enc.Encoded()
}

func UnmarshalAreaState(data []byte) (AreaState, error) {
	s := NewAreaState()
	err := wire.Decode(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		var e EntityState
		err := wire.Decode(f.Bytes(), func(m wire.Field) error {
			switch m.Num {
			case 1:
				e.ID = m.String()
			case 2:
				e.Kind = EntityKind(m.Uint())
			case 3:
				e.X = m.Float()
			case 4:
				e.Y = m.Float()
			case 5:
				e.Z = m.Float()
			case 6:
				e.OwnerID = m.String()
			case 7:
				e.Blueprint = m.String()
			case 8:
				e.Items = append(e.Items, m.String())
			case 9:
				e.Decision = m.String()
			case 10:
				e.TargetID = m.String()
			case 11:
				e.Version = m.Uint()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if e.ID == "" {
			return fmt.Errorf("entity without id")
		}
		s.Entities[e.ID] = e
		return nil
	})
	if err != nil {
		return AreaState{}, fmt.Errorf("decode area state: %w", err)
	}
	return s, nil
}
