package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const connectivityCacheTTL = 30 * time.Second

// ConnectivityChecker reports whether the internet is reachable by dialing a well-known
// address. Results are cached briefly so placement decisions do not dial every time.
type ConnectivityChecker struct {
	logger    *zap.Logger
	probeAddr string
	timeout   time.Duration
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
	now       func() time.Time

	mu        sync.Mutex
	online    bool
	checkedAt time.Time
}

// NewConnectivityChecker creates a checker dialing probeAddr over TCP
func NewConnectivityChecker(probeAddr string, timeout time.Duration, logger *zap.Logger) *ConnectivityChecker {
	dialer := &net.Dialer{}
	return &ConnectivityChecker{
		logger:    logger.Named("connectivity"),
		probeAddr: probeAddr,
		timeout:   timeout,
		dial:      dialer.DialContext,
		now:       time.Now,
	}
}

// Online implements scheduler.Connectivity
func (c *ConnectivityChecker) Online(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < connectivityCacheTTL {
		return c.online
	}

	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(dctx, "tcp", c.probeAddr)
	online := err == nil
	if online {
		conn.Close()
	}

	if online != c.online || c.checkedAt.IsZero() {
		c.logger.Info("Internet connectivity changed",
			zap.Bool("online", online),
			zap.String("probe_addr", c.probeAddr))
	}
	c.online = online
	c.checkedAt = c.now()
	return online
}
