package nicplane

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/nicplane/config"
	"github.com/slackhq/nicplane/fastpath"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/lifecycle"
	"github.com/slackhq/nicplane/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckMTU(t *testing.T) {
	tests := []struct {
		mtu int
		ok  bool
	}{
		{mtu: 45, ok: false},
		{mtu: 46, ok: true},
		{mtu: 1500, ok: true},
		{mtu: 9600, ok: true},
		{mtu: 9601, ok: false},
	}
	for _, tt := range tests {
		err := CheckMTU(tt.mtu)
		if tt.ok {
			assert.NoError(t, err, "mtu %d", tt.mtu)
		} else {
			assert.ErrorIs(t, err, ErrInvalidMTU, "mtu %d", tt.mtu)
		}
	}

	assert.Equal(t, 1500+18+64, RxBufSize(1500, hw.DefaultCapabilities()))
}

func TestFeatures_Normalize(t *testing.T) {
	l := test.NewLogger()
	assert.Equal(t, Features{RxCsum: false}, Features{LRO: true}.normalize(l))
	assert.Equal(t, Features{LRO: true, RxCsum: true}, Features{LRO: true, RxCsum: true}.normalize(l))

	c := config.NewC(l)
	require.NoError(t, c.LoadString("rx: {tpa: true, csum: false}\ndevice: {loopback: yes}"))
	assert.Equal(t, Features{Loopback: true}, featuresFromConfig(l, c))
}

func TestCapabilitiesFromConfig(t *testing.T) {
	l := test.NewLogger()

	c := config.NewC(l)
	require.NoError(t, c.LoadString("device: {parse_format: virtio, mcp: false, port: 1, path: 1, max_queues: 4}"))
	caps, err := CapabilitiesFromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, hw.ParseVirtio, caps.ParseFormat)
	assert.False(t, caps.HasMCP)
	assert.Equal(t, 1, caps.Port)
	assert.Equal(t, 1, caps.Path)
	assert.Equal(t, 4, caps.MaxQueues)
	assert.Equal(t, 13, caps.MaxFetchBD)

	require.NoError(t, c.LoadString("device: {parse_format: v9}"))
	_, err = CapabilitiesFromConfig(c)
	assert.Error(t, err)

	require.NoError(t, c.LoadString("device: {max_fetch_bd: 2}"))
	_, err = CapabilitiesFromConfig(c)
	assert.Error(t, err)
}

func TestLifecycleConfig(t *testing.T) {
	l := test.NewLogger()
	caps := hw.DefaultCapabilities()

	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
device:
  queues: 4
  cos: 2
  mtu: 9000
  mac: "02:00:00:00:00:07"
  promisc: true
rings:
  tx_size: 1024
poll:
  budget: 32
lifecycle:
  command_timeout: 2s
`))
	cfg, err := lifecycleConfig(c, caps, Features{LRO: true, RxCsum: true})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queues)
	assert.Equal(t, 32, cfg.Budget)
	assert.Equal(t, 2, cfg.Queue.Cos)
	assert.Equal(t, 1024, cfg.Queue.TxSize)
	assert.Equal(t, 4096, cfg.Queue.RxCapacity)
	assert.Equal(t, 9000, cfg.Queue.MTU)
	assert.Equal(t, 9000+18+64, cfg.Queue.BufSize)
	assert.True(t, cfg.Queue.TPA)
	assert.Equal(t, [6]byte{2, 0, 0, 0, 0, 7}, cfg.MAC)
	assert.Equal(t, hw.RxModePromisc, cfg.RxMode)
	assert.Equal(t, 2*time.Second, cfg.CommandTimeout)
	assert.Equal(t, lifecycle.DefaultDrainTimeout, cfg.DrainTimeout)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "mtu too small", raw: "device: {mtu: 40}"},
		{name: "mtu too large", raw: "device: {mtu: 10000}"},
		{name: "bad mac", raw: "device: {mac: nope}"},
		{name: "long mac", raw: "device: {mac: \"00:00:00:00:fe:80:00:00\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.LoadString(tt.raw))
			_, err := lifecycleConfig(c, caps, Features{})
			assert.Error(t, err)
		})
	}
}

func TestWatchdogTimeout(t *testing.T) {
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString("watchdog: {tx_timeout: off}"))
	assert.Zero(t, watchdogTimeout(c))

	require.NoError(t, c.LoadString("watchdog: {tx_timeout: 2s}"))
	assert.Equal(t, 2*time.Second, watchdogTimeout(c))

	require.NoError(t, c.LoadString("stats: {type: none}"))
	assert.Equal(t, 5*time.Second, watchdogTimeout(c))
}

func TestMainLoopback(t *testing.T) {
	metrics.DefaultRegistry.UnregisterAll()
	l := test.NewLogger()
	h := fastpath.Handlers{Stack: &testStack{got: make(chan struct{}, 64)}}

	c := config.NewC(l)
	require.NoError(t, c.LoadString("device:\n  queues: 2\n  max_queues: 4\nwatchdog:\n  tx_timeout: off\n"))
	ctrl, err := MainLoopback(c, false, "test", l, h)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	assert.Equal(t, lifecycle.StateOpen, ctrl.State())
	assert.Len(t, ctrl.Controller().Fastpaths(), 2)
	ctrl.Stop()
	assert.Equal(t, lifecycle.StateClosed, ctrl.State())

	c = config.NewC(l)
	require.NoError(t, c.LoadString("device:\n  parse_format: v9\n"))
	_, err = MainLoopback(c, false, "test", l, h)
	assert.ErrorContains(t, err, "unknown parse format")
}
