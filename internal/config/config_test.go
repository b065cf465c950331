package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViper_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Node.ID)
	assert.Equal(t, ":7520", cfg.Node.ListenAddr)
	assert.Equal(t, 0.5, cfg.Offload.CPUThreshold)
	assert.Equal(t, 12*time.Second, cfg.Offload.RPCTimeout)
	assert.Equal(t, 5*time.Second, cfg.Load.SampleInterval)
	assert.Equal(t, 5*time.Minute, cfg.Discovery.WAN.RefreshInterval)
	assert.Equal(t, 10, cfg.Discovery.WAN.ProbeConcurrency)
	assert.False(t, cfg.Discovery.WAN.ScanEnabled, "subnet scanning must be opt-in")
	assert.Equal(t, "distributed-task-system", cfg.Project.Name)
	assert.Equal(t, "1.0", cfg.Project.Version)
	assert.Equal(t, time.Minute, cfg.LANStaleness())
	assert.Equal(t, 10*time.Minute, cfg.WANStaleness())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := `
node:
  id: worker-7
offload:
  cpu_threshold: 0.75
  shared_secret: s3cret
discovery:
  wan:
    static_peers:
      - 203.0.113.10:7520
      - 203.0.113.11:7520
    scan_enabled: true
    probe_concurrency: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-7", cfg.Node.ID)
	assert.Equal(t, 0.75, cfg.Offload.CPUThreshold)
	assert.Equal(t, "s3cret", cfg.Offload.SharedSecret)
	assert.Equal(t, []string{"203.0.113.10:7520", "203.0.113.11:7520"}, cfg.Discovery.WAN.StaticPeers)
	assert.True(t, cfg.Discovery.WAN.ScanEnabled)
	assert.Equal(t, 4, cfg.Discovery.WAN.ProbeConcurrency)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  interface{}
		errMsg string
	}{
		{name: "threshold zero", key: "offload.cpu_threshold", value: 0.0, errMsg: "cpu_threshold"},
		{name: "threshold above one", key: "offload.cpu_threshold", value: 1.5, errMsg: "cpu_threshold"},
		{name: "no probe workers", key: "discovery.wan.probe_concurrency", value: 0, errMsg: "probe_concurrency"},
		{name: "zero interval", key: "load.sample_interval", value: "0s", errMsg: "load.sample_interval"},
		{name: "bad port", key: "node.advertise_port", value: 70000, errMsg: "advertise_port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.value)

			_, err := FromViper(v)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
