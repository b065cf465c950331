package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/monitor"
	"github.com/t77yq/taskfabric/internal/rpc"
)

// Probe results recorded in metrics
const (
	probeAccepted         = "accepted"
	probeUnreachable      = "unreachable"
	probeIdentityMismatch = "identity_mismatch"
	probeIdentityFailed   = "identity_failed"
)

// Prober checks a candidate's health and declared identity
type Prober interface {
	Health(ctx context.Context, address string) error
	ProjectInfo(ctx context.Context, address string) (model.ProjectInfo, error)
}

// WANConfig defines configuration for WAN discovery
type WANConfig struct {
	StaticPeers      []string
	ScanEnabled      bool
	ScanPort         int
	ProbeConcurrency int
	ProbeTimeout     time.Duration
	PublicIPURL      string
	Project          model.ProjectInfo
}

// WANDiscovery merges the static peer list and, when enabled, probes the /24 around
// this node's public address for nodes declaring the same project identity
type WANDiscovery struct {
	logger     *zap.Logger
	config     WANConfig
	registry   PeerUpserter
	prober     Prober
	metrics    *monitor.Metrics
	httpClient *http.Client
	scanning   *semaphore.Weighted
}

// NewWANDiscovery creates a new WAN discovery process
func NewWANDiscovery(config WANConfig, registry PeerUpserter, prober Prober, metrics *monitor.Metrics, logger *zap.Logger) *WANDiscovery {
	if config.ProbeConcurrency <= 0 {
		config.ProbeConcurrency = 10
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = time.Second
	}
	return &WANDiscovery{
		logger:     logger.Named("wan-discovery"),
		config:     config,
		registry:   registry,
		prober:     prober,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		scanning:   semaphore.NewWeighted(1),
	}
}

// RefreshOnce merges the static list and starts a scan when scanning is enabled.
// It is run by the periodic WAN refresh job.
func (d *WANDiscovery) RefreshOnce(ctx context.Context) {
	merged := d.MergeStatic()
	d.logger.Debug("Merged static peers", zap.Int("peers", merged))

	if !d.config.ScanEnabled {
		return
	}
	accepted, err := d.ScanOnce(ctx)
	if err != nil {
		d.logger.Info("Subnet scan skipped", zap.Error(err))
		return
	}
	d.logger.Info("Subnet scan finished", zap.Int("accepted", accepted))
}

// MergeStatic upserts every configured static peer and returns how many were valid
func (d *WANDiscovery) MergeStatic() int {
	merged := 0
	for _, raw := range d.config.StaticPeers {
		addr, err := rpc.NormalizeAddress(raw)
		if err != nil {
			d.logger.Warn("Ignoring invalid static peer", zap.String("peer", raw), zap.Error(err))
			continue
		}
		d.registry.Upsert(model.PeerNode{
			ID:      addr,
			Address: addr,
			Origin:  model.OriginStatic,
		})
		merged++
	}
	return merged
}

// ScanOnce probes every host of the public /24 with at most ProbeConcurrency workers.
// A scan requested while another is running is skipped with ErrScanInProgress.
func (d *WANDiscovery) ScanOnce(ctx context.Context) (int, error) {
	if !d.config.ScanEnabled {
		return 0, ErrScanDisabled
	}
	if !d.scanning.TryAcquire(1) {
		return 0, ErrScanInProgress
	}
	defer d.scanning.Release(1)

	ip, err := d.PublicIP(ctx)
	if err != nil {
		return 0, err
	}
	targets := scanTargets(ip, d.config.ScanPort)

	d.logger.Info("Scanning subnet for peers",
		zap.String("public_ip", ip.String()),
		zap.Int("candidates", len(targets)),
		zap.Int("concurrency", d.config.ProbeConcurrency))

	accepted := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.ProbeConcurrency)
	for i, addr := range targets {
		i, addr := i, addr
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			accepted[i] = d.ProbeCandidate(gctx, addr)
			return nil
		})
	}
	g.Wait()

	n := 0
	for _, ok := range accepted {
		if ok {
			n++
		}
	}
	return n, ctx.Err()
}

// ProbeCandidate accepts address as a WAN peer only if it answers the health check and
// declares the same project name and version as this node
func (d *WANDiscovery) ProbeCandidate(ctx context.Context, address string) bool {
	hctx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	err := d.prober.Health(hctx, address)
	cancel()
	if err != nil {
		d.metrics.RecordProbe(probeUnreachable)
		return false
	}

	ictx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	info, err := d.prober.ProjectInfo(ictx, address)
	cancel()
	if err != nil {
		d.metrics.RecordProbe(probeIdentityFailed)
		d.logger.Info("Candidate answered health check but not identity check",
			zap.String("candidate", address),
			zap.Error(err))
		return false
	}
	if !info.Matches(d.config.Project) {
		d.metrics.RecordProbe(probeIdentityMismatch)
		d.logger.Info("Discarding candidate with different project identity",
			zap.String("candidate", address),
			zap.String("project_name", info.ProjectName),
			zap.String("version", info.Version))
		return false
	}

	d.metrics.RecordProbe(probeAccepted)
	d.registry.Upsert(model.PeerNode{
		ID:      address,
		Address: address,
		Origin:  model.OriginWAN,
	})
	return true
}

// PublicIP asks the configured echo service for this node's public IPv4 address
func (d *WANDiscovery) PublicIP(ctx context.Context) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.PublicIPURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPublicIP, err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPublicIP, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrNoPublicIP, resp.StatusCode)
	}

	var body struct {
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPublicIP, err)
	}

	first, _, _ := strings.Cut(body.Origin, ",")
	ip := net.ParseIP(strings.TrimSpace(first)).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoPublicIP, body.Origin)
	}
	return ip, nil
}

// scanTargets lists host:port for .1 through .254 of ip's /24, skipping ip itself
func scanTargets(ip net.IP, port int) []string {
	ip = ip.To4()
	if ip == nil {
		return nil
	}
	portStr := strconv.Itoa(port)
	targets := make([]string, 0, 253)
	for host := 1; host <= 254; host++ {
		if byte(host) == ip[3] {
			continue
		}
		candidate := net.IPv4(ip[0], ip[1], ip[2], byte(host))
		targets = append(targets, net.JoinHostPort(candidate.String(), portStr))
	}
	return targets
}
