// Package types holds the area data model shared by the replication and game
// facing layers: the tagged change payloads and the entity map they mutate.
package types

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"areastate/internal/wire"
)

type ChangeKind uint32

const (
	KindMove ChangeKind = iota + 1
	KindItemPickup
	KindStructurePlace
	KindNpcDecision
)

func (k ChangeKind) String() string {
	switch k {
	case KindMove:
		return "move"
	case KindItemPickup:
		return "item_pickup"
	case KindStructurePlace:
		return "structure_place"
	case KindNpcDecision:
		return "npc_decision"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

var ErrMalformedChange = errors.New("malformed change")

// Change is a game-level mutation of one area. The set of variants is closed.
type Change interface {
	Kind() ChangeKind
	Validate() error
	encode(*wire.Encoder)
}

type Move struct {
	EntityID string
	X, Y, Z  float64
}

type ItemPickup struct {
	EntityID string
	ItemID   string
}

type StructurePlace struct {
	StructureID string
	OwnerID     string
	Blueprint   string
	X, Y, Z     float64
}

type NpcDecision struct {
	NpcID    string
	Decision string
	TargetID string
}

func (Move) Kind() ChangeKind           { return KindMove }
func (ItemPickup) Kind() ChangeKind     { return KindItemPickup }
func (StructurePlace) Kind() ChangeKind { return KindStructurePlace }
func (NpcDecision) Kind() ChangeKind    { return KindNpcDecision }

func (c Move) Validate() error {
	if err := requireID("entity id", c.EntityID); err != nil {
		return err
	}
	return requireFinite(c.X, c.Y, c.Z)
}

func (c ItemPickup) Validate() error {
	if err := requireID("entity id", c.EntityID); err != nil {
		return err
	}
	return requireID("item id", c.ItemID)
}

func (c StructurePlace) Validate() error {
	if err := requireID("structure id", c.StructureID); err != nil {
		return err
	}
	if err := requireID("owner id", c.OwnerID); err != nil {
		return err
	}
	if err := requireID("blueprint", c.Blueprint); err != nil {
		return err
	}
	return requireFinite(c.X, c.Y, c.Z)
}

func (c NpcDecision) Validate() error {
	if err := requireID("npc id", c.NpcID); err != nil {
		return err
	}
	return requireID("decision", c.Decision)
}

func (c Move) encode(e *wire.Encoder) {
	e.String(1, c.EntityID)
	e.Float(2, c.X)
	e.Float(3, c.Y)
	e.Float(4, c.Z)
}

func (c ItemPickup) encode(e *wire.Encoder) {
	e.String(1, c.EntityID)
	e.String(2, c.ItemID)
}

func (c StructurePlace) encode(e *wire.Encoder) {
	e.String(1, c.StructureID)
	e.String(2, c.OwnerID)
	e.String(3, c.Blueprint)
	e.Float(4, c.X)
	e.Float(5, c.Y)
	e.Float(6, c.Z)
}

func (c NpcDecision) encode(e *wire.Encoder) {
	e.String(1, c.NpcID)
	e.String(2, c.Decision)
	e.String(3, c.TargetID)
}

func EncodeChange(c Change) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil change", ErrMalformedChange)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	enc := wire.NewEncoder(64)
	enc.Uint(1, uint64(c.Kind()))
	enc.Message(2, c.encode)
	return enc.Encoded(), nil
}

// DecodeChange parses and validates a payload.
func DecodeChange(payload []byte) (Change, error) {
	var (
		kind ChangeKind
		body []byte
	)
	err := wire.Decode(payload, func(f wire.Field) error {
		switch f.Num {
		case 1:
			kind = ChangeKind(f.Uint())
		case 2:
			body = f.Bytes()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}

	var c Change
	switch kind {
	case KindMove:
		c, err = decodeMove(body)
	case KindItemPickup:
		c, err = decodeItemPickup(body)
	case KindStructurePlace:
		c, err = decodeStructurePlace(body)
	case KindNpcDecision:
		c, err = decodeNpcDecision(body)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedChange, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeMove(b []byte) (Change, error) {
	var c Move
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.EntityID = f.String()
		case 2:
			c.X = f.Float()
		case 3:
			c.Y = f.Float()
		case 4:
			c.Z = f.Float()
		}
		return nil
	})
	return c, err
}

func decodeItemPickup(b []byte) (Change, error) {
	var c ItemPickup
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.EntityID = f.String()
		case 2:
			c.ItemID = f.String()
		}
		return nil
	})
	return c, err
}

func decodeStructurePlace(b []byte) (Change, error) {
	var c StructurePlace
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.StructureID = f.String()
		case 2:
			c.OwnerID = f.String()
		case 3:
			c.Blueprint = f.String()
		case 4:
			c.X = f.Float()
		case 5:
			c.Y = f.Float()
		case 6:
			c.Z = f.Float()
		}
		return nil
	})
	return c, err
}

func decodeNpcDecision(b []byte) (Change, error) {
	var c NpcDecision
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.NpcID = f.String()
		case 2:
			c.Decision = f.String()
		case 3:
			c.TargetID = f.String()
		}
		return nil
	})
	return c, err
}

func requireID(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedChange, name)
	}
	return nil
}

func requireFinite(vs ...float64) error {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: coordinate is not finite", ErrMalformedChange)
		}
	}
	return nil
}
