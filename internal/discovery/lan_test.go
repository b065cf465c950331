package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/registry"
)

type fakeAdvertisement struct {
	mu       sync.Mutex
	text     []string
	shutdown bool
}

func (a *fakeAdvertisement) SetText(text []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text = text
}

func (a *fakeAdvertisement) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
}

func (a *fakeAdvertisement) snapshot() ([]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.text...), a.shutdown
}

func entry(instance string, ip string, port int, text ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, "_tasknode._tcp", "local.")
	e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	e.Port = port
	e.Text = text
	return e
}

func fakeBrowse(entries ...*zeroconf.ServiceEntry) BrowseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		go func() {
			defer close(out)
			for _, e := range entries {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func testLANConfig() LANConfig {
	return LANConfig{
		NodeID:          "node-a",
		Service:         "_tasknode._tcp",
		Domain:          "local.",
		Port:            7520,
		Version:         "1.0",
		RefreshInterval: time.Hour,
		BrowseWindow:    time.Second,
	}
}

func TestLANDiscovery_BrowseOnce(t *testing.T) {
	reg := registry.NewRegistry(3, zap.NewNop())
	d := NewLANDiscovery(testLANConfig(), reg, zap.NewNop(), WithBrowse(fakeBrowse(
		entry("node-a", "192.168.1.10", 7520, "id=node-a", "load=0.100", "version=1.0"),
		entry("node-b", "192.168.1.11", 7520, "id=node-b", "load=0.250", "version=1.0"),
		entry("legacy", "192.168.1.12", 7521),
		entry("node-c", "192.168.1.13", 7520, "id=node-c", "version=0.9"),
	)))

	found := d.BrowseOnce(context.Background())
	assert.Equal(t, 2, found)

	peers := reg.Snapshot()
	require.Len(t, peers, 2)
	assert.Equal(t, "192.168.1.11:7520", peers[0].Address)
	assert.Equal(t, "node-b", peers[0].ID)
	assert.Equal(t, model.OriginLAN, peers[0].Origin)
	assert.Equal(t, 0.25, peers[0].AdvertisedLoad)
	assert.Equal(t, "192.168.1.12:7521", peers[1].Address)
	assert.Equal(t, "legacy", peers[1].ID)
}

func TestLANDiscovery_AdvertiseLifecycle(t *testing.T) {
	adv := &fakeAdvertisement{}
	var registered []string

	reg := registry.NewRegistry(3, zap.NewNop())
	d := NewLANDiscovery(testLANConfig(), reg, zap.NewNop(),
		WithBrowse(fakeBrowse()),
		WithRegister(func(instance, service, domain string, port int, text []string) (Advertisement, error) {
			registered = append(registered, instance, service, domain)
			adv.SetText(text)
			return adv, nil
		}))

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, []string{"node-a", "_tasknode._tcp", "local."}, registered)

	text, _ := adv.snapshot()
	assert.Contains(t, text, "load=0.000")
	assert.Contains(t, text, "id=node-a")
	assert.Contains(t, text, "version=1.0")

	d.UpdateLoad(model.LoadSample{NodeID: "node-a", Load: 0.375})
	text, _ = adv.snapshot()
	assert.Contains(t, text, "load=0.375")

	d.Stop()
	d.Stop()
	_, shutdown := adv.snapshot()
	assert.True(t, shutdown)
}

func TestParseText(t *testing.T) {
	props := parseText([]string{"load=0.5", "id=x=y", "flag"})
	assert.Equal(t, "0.5", props["load"])
	assert.Equal(t, "x=y", props["id"])
	assert.Equal(t, "", props["flag"])
}
