package metrics

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// KindFunc names the envelope kind carried by a peer request, or returns ""
// when the request is not an envelope.
type KindFunc func(req any) string

// PeerServerInterceptor counts and times inbound peer deliveries by RPC
// method and envelope kind. Receiver rejections show up under their gRPC
// status code.
func PeerServerInterceptor(kindOf KindFunc) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		method := peerMethod(info.FullMethod)
		kind := "unknown"
		if kindOf != nil {
			if k := kindOf(req); k != "" {
				kind = k
			}
		}
		PeerDeliveriesTotal.WithLabelValues(method, kind, status.Code(err).String()).Inc()
		PeerDeliveryDuration.WithLabelValues(method, kind).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// peerMethod drops the service prefix: "/areastate.Peer/Deliver" -> "Deliver".
func peerMethod(fullMethod string) string {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if fullMethod == "" {
		return "unknown"
	}
	if i := strings.LastIndexByte(fullMethod, '/'); i >= 0 {
		fullMethod = fullMethod[i+1:]
	}
	if fullMethod == "" {
		return "unknown"
	}
	return fullMethod
}
