package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
)

// TXT record keys carried by every advertisement
const (
	txtLoad    = "load"
	txtID      = "id"
	txtVersion = "version"
)

// Advertisement is a registered mDNS service that can be updated and withdrawn
type Advertisement interface {
	SetText(text []string)
	Shutdown()
}

// RegisterFunc publishes a service instance on the local network
type RegisterFunc func(instance, service, domain string, port int, text []string) (Advertisement, error)

// BrowseFunc streams service entries into entries until ctx ends, then closes entries
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// LANConfig defines configuration for LAN discovery
type LANConfig struct {
	NodeID          string
	Service         string
	Domain          string
	Port            int
	Version         string
	RefreshInterval time.Duration
	BrowseWindow    time.Duration
}

// LANOption overrides the mDNS implementation, mainly for tests
type LANOption func(*LANDiscovery)

// WithRegister replaces zeroconf service registration
func WithRegister(register RegisterFunc) LANOption {
	return func(d *LANDiscovery) { d.register = register }
}

// WithBrowse replaces zeroconf browsing
func WithBrowse(browse BrowseFunc) LANOption {
	return func(d *LANDiscovery) { d.browse = browse }
}

// LANDiscovery advertises this node over mDNS and upserts every other node browsing finds
type LANDiscovery struct {
	logger   *zap.Logger
	config   LANConfig
	registry PeerUpserter
	register RegisterFunc
	browse   BrowseFunc

	mu   sync.Mutex
	adv  Advertisement
	load float64
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewLANDiscovery creates a new LAN discovery process
func NewLANDiscovery(config LANConfig, registry PeerUpserter, logger *zap.Logger, opts ...LANOption) *LANDiscovery {
	d := &LANDiscovery{
		logger:   logger.Named("lan-discovery"),
		config:   config,
		registry: registry,
		register: zeroconfRegister,
		browse:   zeroconfBrowse,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func zeroconfRegister(instance, service, domain string, port int, text []string) (Advertisement, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return server, nil
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Start advertises this node and browses for peers every refresh interval until Stop
func (d *LANDiscovery) Start(ctx context.Context) error {
	if err := d.advertise(); err != nil {
		return err
	}

	d.wg.Add(1)
	go d.browseLoop(ctx)

	d.logger.Info("LAN discovery started",
		zap.String("service", d.config.Service),
		zap.String("domain", d.config.Domain),
		zap.Int("port", d.config.Port))
	return nil
}

// Stop withdraws the advertisement and ends browsing
func (d *LANDiscovery) Stop() {
	d.once.Do(func() {
		close(d.stop)
		d.wg.Wait()

		d.mu.Lock()
		if d.adv != nil {
			d.adv.Shutdown()
			d.adv = nil
		}
		d.mu.Unlock()
		d.logger.Info("LAN discovery stopped")
	})
}

// UpdateLoad republishes the load property. It is registered as a load reporter listener.
func (d *LANDiscovery) UpdateLoad(sample model.LoadSample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.load = sample.Load
	if d.adv != nil {
		d.adv.SetText(d.textLocked())
	}
}

func (d *LANDiscovery) advertise() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	adv, err := d.register(d.config.NodeID, d.config.Service, d.config.Domain, d.config.Port, d.textLocked())
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	d.adv = adv
	return nil
}

func (d *LANDiscovery) textLocked() []string {
	return []string{
		txtLoad + "=" + strconv.FormatFloat(d.load, 'f', 3, 64),
		txtID + "=" + d.config.NodeID,
		txtVersion + "=" + d.config.Version,
	}
}

func (d *LANDiscovery) browseLoop(ctx context.Context) {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		d.BrowseOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// BrowseOnce listens for advertisements for one browse window and returns how many
// peers were upserted
func (d *LANDiscovery) BrowseOnce(ctx context.Context) int {
	bctx, cancel := context.WithTimeout(ctx, d.config.BrowseWindow)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := d.browse(bctx, d.config.Service, d.config.Domain, entries); err != nil {
		d.logger.Warn("mDNS browse failed", zap.Error(err))
		return 0
	}

	found := 0
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return found
			}
			if d.handleEntry(entry) {
				found++
			}
		case <-bctx.Done():
			// the resolver may still deliver late entries before closing the channel
			go func() {
				for range entries {
				}
			}()
			return found
		}
	}
}

func (d *LANDiscovery) handleEntry(entry *zeroconf.ServiceEntry) bool {
	if entry == nil {
		return false
	}
	props := parseText(entry.Text)

	id := props[txtID]
	if id == "" {
		id = entry.Instance
	}
	if id == d.config.NodeID {
		return false
	}
	if v, ok := props[txtVersion]; ok && d.config.Version != "" && v != d.config.Version {
		d.logger.Debug("Ignoring advertisement with different version",
			zap.String("peer_id", id),
			zap.String("version", v))
		return false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		d.logger.Debug("Advertisement without address", zap.String("peer_id", id))
		return false
	}

	load, _ := strconv.ParseFloat(props[txtLoad], 64)
	d.registry.Upsert(model.PeerNode{
		ID:             id,
		Address:        net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		Origin:         model.OriginLAN,
		LastSeen:       d.now(),
		AdvertisedLoad: load,
	})
	return true
}

func parseText(text []string) map[string]string {
	props := make(map[string]string, len(text))
	for _, kv := range text {
		k, v, _ := strings.Cut(kv, "=")
		props[k] = v
	}
	return props
}
