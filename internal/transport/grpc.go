package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"areastate/internal/domain"
	"areastate/internal/metrics"
)

const (
	serviceName   = "areastate.Peer"
	deliverMethod = "/" + serviceName + "/Deliver"
)

type peerServer interface {
	Deliver(ctx context.Context, env *Envelope) (*Ack, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "areastate/peer",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(peerServer).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCConfig struct {
	Network              string
	ListenAddr           string
	AdvertiseAddr        string
	Timeout              time.Duration
	MaxConcurrentStreams uint32
	SendQueueSize        int
	// Listener and Dialer override the network, mainly for bufconn tests.
	Listener net.Listener
	Dialer   func(ctx context.Context, addr string) (net.Conn, error)
}

type GRPCTransport struct {
	cfg      GRPCConfig
	server   *grpc.Server
	lis      net.Listener
	receiver Receiver

	mu     sync.Mutex
	peers  map[string]*peer
	ids    map[domain.NodeID]string
	closed bool
	wg     sync.WaitGroup
}

var _ Transport = (*GRPCTransport)(nil)

func NewGRPCTransport(cfg GRPCConfig) *GRPCTransport {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 1024
	}
	return &GRPCTransport{
		cfg:   cfg,
		peers: make(map[string]*peer),
		ids:   make(map[domain.NodeID]string),
	}
}

func (t *GRPCTransport) Start(r Receiver) error {
	t.receiver = r

	lis := t.cfg.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen(t.cfg.Network, t.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", t.cfg.ListenAddr, err)
		}
	}
	t.lis = lis

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(codec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(metrics.PeerServerInterceptor(envelopeKind), timeoutInterceptor(t.cfg.Timeout)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if t.cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(t.cfg.MaxConcurrentStreams))
	}
	t.server = grpc.NewServer(opts...)
	t.server.RegisterService(&serviceDesc, &deliverServer{t: t})

	slog.Info("transport listening for peers", "addr", lis.Addr())
	go func() {
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("failed to serve peer listener", "error", err)
		}
	}()
	return nil
}

func (t *GRPCTransport) Addr() string {
	if t.cfg.AdvertiseAddr != "" {
		return t.cfg.AdvertiseAddr
	}
	if t.lis != nil {
		return t.lis.Addr().String()
	}
	return t.cfg.ListenAddr
}

func (t *GRPCTransport) SetPeer(id domain.NodeID, addr string) {
	if addr == "" {
		return
	}
	t.mu.Lock()
	t.ids[id] = addr
	t.mu.Unlock()
}

func (t *GRPCTransport) RemovePeer(id domain.NodeID) {
	t.mu.Lock()
	addr, ok := t.ids[id]
	delete(t.ids, id)
	var p *peer
	if ok {
		p = t.peers[addr]
		delete(t.peers, addr)
	}
	t.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

func (t *GRPCTransport) Send(env *Envelope) error {
	t.mu.Lock()
	addr, ok := t.ids[env.To]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, env.To)
	}
	return t.SendAddr(addr, env)
}

func (t *GRPCTransport) SendAddr(addr string, env *Envelope) error {
	p, err := t.peerFor(addr)
	if err != nil {
		return err
	}
	select {
	case p.queue <- env:
		return nil
	default:
		metrics.TransportQueueDropped.WithLabelValues(env.To.String()).Inc()
		return ErrQueueFull
	}
}

func (t *GRPCTransport) peerFor(addr string) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if p, ok := t.peers[addr]; ok {
		return p, nil
	}

	conn, err := t.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	p := &peer{
		t:     t,
		addr:  addr,
		conn:  conn,
		queue: make(chan *Envelope, t.cfg.SendQueueSize),
		done:  make(chan struct{}),
	}
	t.peers[addr] = p
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		p.run()
	}()
	return p, nil
}

func (t *GRPCTransport) dial(addr string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}
	if t.cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(t.cfg.Dialer))
	}
	return grpc.NewClient(addr, opts...)
}

// Close stops accepting, drains nothing and closes every peer connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = map[string]*peer{}
	t.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
	t.wg.Wait()
	if t.server != nil {
		t.server.Stop()
	}
	return nil
}

type peer struct {
	t     *GRPCTransport
	addr  string
	conn  *grpc.ClientConn
	queue chan *Envelope
	done  chan struct{}
	once  sync.Once
}

func (p *peer) stop() {
	p.once.Do(func() {
		close(p.done)
		if err := p.conn.Close(); err != nil {
			slog.Debug("close peer connection", "addr", p.addr, "error", err)
		}
	})
}

func (p *peer) run() {
	for {
		select {
		case <-p.done:
			return
		case env := <-p.queue:
			if err := p.send(env); err != nil {
				metrics.RaftMessageErrors.WithLabelValues(env.To.String()).Inc()
				slog.Debug("peer send failed", "addr", p.addr, "kind", env.Kind, "error", err)
				if p.t.receiver != nil {
					p.t.receiver.SendFailed(env, err)
				}
				continue
			}
			metrics.RaftMessagesTotal.WithLabelValues("sent", env.Kind.String()).Inc()
		}
	}
}

// send makes one attempt for raft traffic, which raft retransmits itself, and
// a few backed-off attempts for control envelopes that nobody would resend.
func (p *peer) send(env *Envelope) error {
	invoke := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), p.t.cfg.Timeout)
		defer cancel()
		err := p.conn.Invoke(ctx, deliverMethod, env, new(Ack))
		if err == nil {
			return struct{}{}, nil
		}
		err = errorFromStatus(err)
		if errors.Is(err, domain.ErrInvalidProposal) || errors.Is(err, domain.ErrUnknownArea) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	if env.Kind.IsRaft() || env.Kind == KindHeartbeat {
		_, err := invoke()
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(context.Background(), invoke,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(3),
	)
	return err
}

type deliverServer struct {
	t *GRPCTransport
}

func (s *deliverServer) Deliver(ctx context.Context, env *Envelope) (*Ack, error) {
	metrics.RaftMessagesTotal.WithLabelValues("received", env.Kind.String()).Inc()
	if s.t.receiver == nil {
		return nil, statusFromError(domain.ErrShuttingDown)
	}
	if err := s.t.receiver.Receive(ctx, env); err != nil {
		return nil, statusFromError(err)
	}
	return &Ack{}, nil
}

func envelopeKind(req any) string {
	if env, ok := req.(*Envelope); ok {
		return env.Kind.String()
	}
	return ""
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return handler(ctx, req)
	}
}
