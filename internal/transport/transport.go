package transport

import (
	"context"
	"errors"

	"areastate/internal/domain"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrQueueFull   = errors.New("peer send queue full")
	ErrClosed      = errors.New("transport closed")
)

// Receiver consumes inbound envelopes and learns about failed sends.
type Receiver interface {
	Receive(ctx context.Context, env *Envelope) error
	SendFailed(env *Envelope, err error)
}

// Transport moves signed envelopes between nodes. Send never blocks on the
// network: envelopes are queued per peer and delivered in order.
type Transport interface {
	Start(r Receiver) error
	Send(env *Envelope) error
	// SendAddr reaches a node whose id is not known yet, such as a seed.
	SendAddr(addr string, env *Envelope) error
	SetPeer(id domain.NodeID, addr string)
	RemovePeer(id domain.NodeID)
	Addr() string
	Close() error
}
