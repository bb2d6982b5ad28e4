package transport

import (
	"context"
	"log/slog"
	"sync"

	"areastate/internal/domain"
	"areastate/internal/metrics"
)

type link struct {
	from, to domain.NodeID
}

// Network is an in-process network for tests and simulation. It can cut
// links, isolate nodes and kill them to model partitions and crashes.
type Network struct {
	mu        sync.RWMutex
	endpoints map[domain.NodeID]*MemoryTransport
	addrs     map[string]domain.NodeID
	blocked   map[link]bool
	isolated  map[domain.NodeID]bool
	down      map[domain.NodeID]bool
	queueSize int
}

func NewNetwork(queueSize int) *Network {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Network{
		endpoints: make(map[domain.NodeID]*MemoryTransport),
		addrs:     make(map[string]domain.NodeID),
		blocked:   make(map[link]bool),
		isolated:  make(map[domain.NodeID]bool),
		down:      make(map[domain.NodeID]bool),
		queueSize: queueSize,
	}
}

// Endpoint attaches id at addr, replacing any previous endpoint for id.
func (n *Network) Endpoint(id domain.NodeID, addr string) *MemoryTransport {
	t := &MemoryTransport{
		net:   n,
		id:    id,
		addr:  addr,
		inbox: make(chan *Envelope, n.queueSize),
		done:  make(chan struct{}),
	}
	n.mu.Lock()
	if old, ok := n.endpoints[id]; ok {
		old.shutdown()
	}
	n.endpoints[id] = t
	n.addrs[addr] = id
	n.mu.Unlock()
	return t
}

// Partition cuts every link between nodes of different groups.
func (n *Network) Partition(groups ...[]domain.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, a := range groups {
		for j, b := range groups {
			if i == j {
				continue
			}
			for _, x := range a {
				for _, y := range b {
					n.blocked[link{x, y}] = true
				}
			}
		}
	}
}

func (n *Network) Cut(from, to domain.NodeID) {
	n.mu.Lock()
	n.blocked[link{from, to}] = true
	n.mu.Unlock()
}

func (n *Network) Isolate(id domain.NodeID) {
	n.mu.Lock()
	n.isolated[id] = true
	n.mu.Unlock()
}

func (n *Network) Heal() {
	n.mu.Lock()
	n.blocked = make(map[link]bool)
	n.isolated = make(map[domain.NodeID]bool)
	n.mu.Unlock()
}

// Kill drops all traffic to and from id until Revive.
func (n *Network) Kill(id domain.NodeID) {
	n.mu.Lock()
	n.down[id] = true
	n.mu.Unlock()
}

func (n *Network) Revive(id domain.NodeID) {
	n.mu.Lock()
	delete(n.down, id)
	n.mu.Unlock()
}

func (n *Network) route(from, to domain.NodeID) (dst *MemoryTransport, reachable, alive bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	dst = n.endpoints[to]
	alive = dst != nil && !n.down[to] && !n.down[from]
	reachable = alive && !n.isolated[from] && !n.isolated[to] && !n.blocked[link{from, to}]
	return dst, reachable, alive
}

func (n *Network) resolve(addr string) (domain.NodeID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	id, ok := n.addrs[addr]
	return id, ok
}

type MemoryTransport struct {
	net   *Network
	id    domain.NodeID
	addr  string
	inbox chan *Envelope

	mu       sync.Mutex
	receiver Receiver
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Start(r Receiver) error {
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.done:
				return
			case env := <-t.inbox:
				if err := r.Receive(context.Background(), env); err != nil {
					slog.Debug("memory transport: receive failed", "node_id", t.id, "kind", env.Kind, "error", err)
				}
			}
		}
	}()
	return nil
}

func (t *MemoryTransport) Send(env *Envelope) error {
	return t.deliver(env.To, env)
}

func (t *MemoryTransport) SendAddr(addr string, env *Envelope) error {
	id, ok := t.net.resolve(addr)
	if !ok {
		return ErrUnknownPeer
	}
	return t.deliver(id, env)
}

func (t *MemoryTransport) deliver(to domain.NodeID, env *Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	dst, reachable, alive := t.net.route(t.id, to)
	if dst == nil {
		return ErrUnknownPeer
	}
	if !alive {
		t.failed(env, ErrUnknownPeer)
		return nil
	}
	if !reachable {
		return nil
	}

	// Copy through the wire format so sender and receiver never share memory.
	cp, err := UnmarshalEnvelope(env.Marshal())
	if err != nil {
		return err
	}
	select {
	case dst.inbox <- cp:
		metrics.RaftMessagesTotal.WithLabelValues("sent", env.Kind.String()).Inc()
		return nil
	case <-dst.done:
		t.failed(env, ErrClosed)
		return nil
	default:
		metrics.TransportQueueDropped.WithLabelValues(to.String()).Inc()
		t.failed(env, ErrQueueFull)
		return nil
	}
}

func (t *MemoryTransport) failed(env *Envelope, err error) {
	t.mu.Lock()
	r := t.receiver
	t.mu.Unlock()
	if r != nil {
		go r.SendFailed(env, err)
	}
}

func (t *MemoryTransport) SetPeer(domain.NodeID, string) {}

func (t *MemoryTransport) RemovePeer(domain.NodeID) {}

func (t *MemoryTransport) Addr() string { return t.addr }

func (t *MemoryTransport) Close() error {
	t.shutdown()
	t.wg.Wait()
	return nil
}

func (t *MemoryTransport) shutdown() {
	t.once.Do(func() { close(t.done) })
}
