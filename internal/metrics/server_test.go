package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHealth_ReflectsReadiness(t *testing.T) {
	ready := false
	srv := NewServer(":0", func() bool { return ready })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForgetArea_RemovesSeries(t *testing.T) {
	RaftTerm.WithLabelValues("forget-me").Set(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(RaftTerm.WithLabelValues("forget-me")))

	ForgetArea("forget-me")
	assert.Equal(t, 0.0, testutil.ToFloat64(RaftTerm.WithLabelValues("forget-me")))
}

func TestPeerMethod(t *testing.T) {
	assert.Equal(t, "Deliver", peerMethod("/areastate.Peer/Deliver"))
	assert.Equal(t, "Deliver", peerMethod("Deliver"))
	assert.Equal(t, "unknown", peerMethod(""))
	assert.Equal(t, "unknown", peerMethod("/areastate.Peer/"))
}

func TestPeerServerInterceptor_LabelsByKindAndCode(t *testing.T) {
	kindOf := func(req any) string {
		s, _ := req.(string)
		return s
	}
	intercept := PeerServerInterceptor(kindOf)
	info := &grpc.UnaryServerInfo{FullMethod: "/areastate.Peer/Deliver"}

	ok := PeerDeliveriesTotal.WithLabelValues("Deliver", "heartbeat", codes.OK.String())
	before := testutil.ToFloat64(ok)
	_, err := intercept(context.Background(), "heartbeat", info, func(context.Context, any) (any, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(ok))

	denied := PeerDeliveriesTotal.WithLabelValues("Deliver", "unknown", codes.PermissionDenied.String())
	before = testutil.ToFloat64(denied)
	_, err = intercept(context.Background(), 42, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.PermissionDenied, "banned")
	})
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(denied))
}
