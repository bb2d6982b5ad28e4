package membership

import (
	"time"

	"areastate/internal/domain"
)

type Liveness int

const (
	Alive Liveness = iota
	Suspected
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Suspected:
		return "suspected"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	participationWeight = 0.7
	uptimeWeight        = 0.3
)

// Node is an immutable view of a peer. Trackers hand out copies.
type Node struct {
	ID            domain.NodeID
	PublicKey     []byte
	Address       string
	Region        string
	Stake         float64
	Liveness      Liveness
	Uptime        float64
	Participation float64
	Banned        bool
	BanReason     string
	LastSeen      time.Time
	Missed        int
}

func (n Node) Trust() float64 {
	if n.Banned {
		return 0
	}
	t := participationWeight*n.Participation + uptimeWeight*n.Uptime
	return clamp(t)
}

// Weight orders leader candidates.
func (n Node) Weight() float64 {
	return n.Stake * n.Trust()
}

// Handshake is the verified identity a peer announces with its heartbeat.
type Handshake struct {
	ID        domain.NodeID
	PublicKey []byte
	Address   string
	Region    string
	Stake     float64
}

type NodeEvent struct {
	Node     domain.NodeID
	Liveness Liveness
	Banned   bool
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
