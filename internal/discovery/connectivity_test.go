package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/testutil"
)

func TestConnectivityChecker_Online(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c := NewConnectivityChecker(l.Addr().String(), time.Second, zap.NewNop())
	assert.True(t, c.Online(context.Background()))
}

func TestConnectivityChecker_Offline(t *testing.T) {
	c := NewConnectivityChecker(testutil.ClosedAddress(t), 200*time.Millisecond, zap.NewNop())
	assert.False(t, c.Online(context.Background()))
}

func TestConnectivityChecker_CachesResult(t *testing.T) {
	c := NewConnectivityChecker("192.0.2.1:53", time.Second, zap.NewNop())

	dials := 0
	c.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		dials++
		return nil, errors.New("network unreachable")
	}
	now := time.Now()
	c.now = func() time.Time { return now }

	assert.False(t, c.Online(context.Background()))
	assert.False(t, c.Online(context.Background()))
	assert.Equal(t, 1, dials)

	now = now.Add(connectivityCacheTTL)
	assert.False(t, c.Online(context.Background()))
	assert.Equal(t, 2, dials)
}
