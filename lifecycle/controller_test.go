package lifecycle

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/nicplane/fastpath"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/hw/loopback"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/test"
	"github.com/slackhq/nicplane/tx"
	"github.com/slackhq/nicplane/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type testStack struct {
	mu   sync.Mutex
	pkts []*packet.Packet
	got  chan struct{}
}

func (s *testStack) Deliver(p *packet.Packet) {
	s.mu.Lock()
	s.pkts = append(s.pkts, p)
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
}

func (s *testStack) releaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pkts {
		p.Release()
	}
	s.pkts = nil
}

func testConfig(queues int, tpa bool) Config {
	return Config{
		Queues: queues,
		Queue: fastpath.Config{
			Cos:             1,
			TxSize:          256,
			RxSize:          128,
			RxCapacity:      256,
			CQSize:          512,
			SGESize:         128,
			BufSize:         1500 + 18 + 64,
			CopyThreshold:   128,
			CopyBaselineMTU: 1500,
			MTU:             1500,
			TPA:             tpa,
			TPABins:         4,
			Csum:            true,
		},
		MAC:            [6]byte{2, 0, 0, 0, 0, 2},
		RxMode:         hw.RxModeNormal,
		CommandTimeout: time.Second,
		DrainTimeout:   100 * time.Millisecond,
	}
}

type fixture struct {
	chip  *loopback.Chip
	dev   *loopback.Device
	c     *Controller
	stack *testStack
}

func newDevice(t *testing.T, chip *loopback.Chip, port int, mcp bool) *loopback.Device {
	t.Helper()
	caps := hw.DefaultCapabilities()
	caps.Port = port
	caps.HasMCP = mcp
	dev, err := loopback.New(test.NewLogger(), chip, loopback.Options{Caps: caps})
	require.NoError(t, err)
	return dev
}

func newController(t *testing.T, dev *loopback.Device, pc *PortContext, cfg Config) (*Controller, *testStack) {
	t.Helper()
	stack := &testStack{got: make(chan struct{}, 64)}
	c, err := New(test.NewLogger(), dev, pc, fastpath.Handlers{Stack: stack}, cfg)
	require.NoError(t, err)
	return c, stack
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	metrics.DefaultRegistry.UnregisterAll()
	chip := loopback.NewChip()
	dev := newDevice(t, chip, 0, true)
	c, stack := newController(t, dev, NewPortContext(0), cfg)
	return &fixture{chip: chip, dev: dev, c: c, stack: stack}
}

// assertDown checks nothing of a load outlived it.
func (f *fixture) assertDown(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, f.dev.Table().Live(), "no bus mapping may outlive a load")
	assert.Equal(t, 0, f.dev.Queues())
	assert.Equal(t, 0, f.chip.Loaded(0))
	for _, fp := range f.c.Fastpaths() {
		assert.False(t, fp.Active())
	}
}

var (
	loadOps = []hw.Op{
		hw.OpLoadRequest, hw.OpInitHW, hw.OpFunctionStart, hw.OpLoadDone,
		hw.OpSetupQueue, hw.OpSetupQueue, hw.OpConfigRSS,
		hw.OpSetMTU, hw.OpSetMAC, hw.OpSetRxMode, hw.OpStartTimer,
	}
	unloadOps = []hw.Op{
		hw.OpStopTimer, hw.OpDelMAC, hw.OpSetRxMode, hw.OpUnloadRequest,
		hw.OpHaltQueue, hw.OpHaltQueue, hw.OpFunctionStop, hw.OpChipCleanup, hw.OpUnloadDone,
		hw.OpParityStatus,
	}
)

func TestController_LoadUnload(t *testing.T) {
	f := newFixture(t, testConfig(2, true))
	ctx := context.Background()

	require.NoError(t, f.c.Load(ctx, LoadOpen))
	assert.Equal(t, StateOpen, f.c.State())
	assert.Equal(t, hw.LoadCommon, f.c.LoadCode())
	assert.Equal(t, loadOps, f.dev.Commands())
	assert.Equal(t, 2, f.dev.Queues())
	assert.Equal(t, 1, f.c.Port().Active())
	assert.Equal(t, 1500, f.dev.MTU())
	assert.Equal(t, hw.RxModeNormal, f.dev.RxMode())
	for _, fp := range f.c.Fastpaths() {
		assert.True(t, fp.TPA())
		assert.False(t, fp.TxRing(0).Stopped())
	}

	assert.ErrorIs(t, f.c.Load(ctx, LoadOpen), ErrInvalidState)

	require.NoError(t, f.c.Unload(ctx, UnloadClose))
	assert.Equal(t, StateClosed, f.c.State())
	assert.Equal(t, unloadOps, f.dev.Commands()[len(loadOps):])
	assert.Equal(t, 1, f.chip.Cleanups())
	assert.Equal(t, 0, f.c.Port().Active())
	f.assertDown(t)

	// A second cycle over the same registration.
	require.NoError(t, f.c.Load(ctx, LoadOpen))
	require.NoError(t, f.c.Unload(ctx, UnloadClose))
	f.assertDown(t)

	require.NoError(t, f.c.Close())
	assert.Equal(t, 0, f.c.Port().Refs())
	assert.ErrorIs(t, f.c.Load(ctx, LoadOpen), ErrInvalidState)
}

func TestController_LoadUnwinds(t *testing.T) {
	prefix := []hw.Op{hw.OpLoadRequest, hw.OpInitHW, hw.OpFunctionStart, hw.OpLoadDone}
	upToFilters := append(append([]hw.Op{}, prefix...),
		hw.OpSetupQueue, hw.OpSetupQueue, hw.OpConfigRSS, hw.OpSetMTU, hw.OpSetMAC, hw.OpSetRxMode)
	release := []hw.Op{hw.OpUnloadRequest, hw.OpUnloadDone}
	haltAll := []hw.Op{hw.OpHaltQueue, hw.OpHaltQueue, hw.OpFunctionStop}

	join := func(parts ...[]hw.Op) []hw.Op {
		var out []hw.Op
		for _, p := range parts {
			out = append(out, p...)
		}
		return out
	}

	tests := []struct {
		name  string
		fail  hw.Op
		phase string
		ops   []hw.Op
	}{
		{
			name:  "init hw",
			fail:  hw.OpInitHW,
			phase: "init_hw",
			ops:   join([]hw.Op{hw.OpLoadRequest, hw.OpInitHW, hw.OpLoadDone}, release),
		},
		{
			name:  "function start",
			fail:  hw.OpFunctionStart,
			phase: "function",
			ops:   join([]hw.Op{hw.OpLoadRequest, hw.OpInitHW, hw.OpFunctionStart, hw.OpLoadDone}, release),
		},
		{
			name:  "first queue",
			fail:  hw.OpSetupQueue,
			phase: "queues",
			ops:   join(prefix, []hw.Op{hw.OpSetupQueue, hw.OpFunctionStop}, release),
		},
		{
			name:  "rss",
			fail:  hw.OpConfigRSS,
			phase: "queues",
			ops:   join(prefix, []hw.Op{hw.OpSetupQueue, hw.OpSetupQueue, hw.OpConfigRSS}, haltAll, release),
		},
		{
			name:  "rx mode",
			fail:  hw.OpSetRxMode,
			phase: "filters",
			ops:   join(upToFilters, []hw.Op{hw.OpDelMAC}, haltAll, release),
		},
		{
			name:  "timer",
			fail:  hw.OpStartTimer,
			phase: "timer",
			ops:   join(upToFilters, []hw.Op{hw.OpStartTimer, hw.OpSetRxMode, hw.OpDelMAC}, haltAll, release),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(2, true))
			ctx := context.Background()

			f.dev.FailNext(tt.fail, assert.AnError)
			err := f.c.Load(ctx, LoadOpen)
			require.Error(t, err)
			assert.ErrorIs(t, err, assert.AnError)

			var ce *util.ContextualError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.phase, ce.Fields["phase"])

			assert.Equal(t, StateError, f.c.State())
			assert.Equal(t, tt.ops, f.dev.Commands())
			assert.Equal(t, 0, f.c.Port().Active())
			f.assertDown(t)

			// An unload has nothing to undo.
			assert.ErrorIs(t, f.c.Unload(ctx, UnloadClose), ErrInvalidState)

			// The failure was transient; the next load goes through.
			require.NoError(t, f.c.Load(ctx, LoadOpen))
			assert.Equal(t, StateOpen, f.c.State())
			require.NoError(t, f.c.Unload(ctx, UnloadClose))
			f.assertDown(t)
		})
	}
}

func TestController_CommandTimeout(t *testing.T) {
	cfg := testConfig(1, false)
	cfg.CommandTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)

	f.dev.Hang(hw.OpFunctionStart, true)
	err := f.c.Load(context.Background(), LoadOpen)
	assert.ErrorIs(t, err, ErrFatalHardware)
	assert.ErrorIs(t, err, hw.ErrFirmwareTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []hw.Op{
		hw.OpLoadRequest, hw.OpInitHW, hw.OpFunctionStart, hw.OpLoadDone,
		hw.OpUnloadRequest, hw.OpUnloadDone,
	}, f.dev.Commands())
	assert.Equal(t, StateError, f.c.State())
	f.assertDown(t)
}

func TestController_Diag(t *testing.T) {
	f := newFixture(t, testConfig(1, false))
	ctx := context.Background()

	require.NoError(t, f.c.Load(ctx, LoadDiag))
	assert.Equal(t, StateDiag, f.c.State())

	fp := f.c.Fastpaths()[0]
	assert.True(t, fp.TxRing(0).Stopped())
	res, err := fp.Xmit(&packet.Packet{Head: make([]byte, 60)}, 0)
	assert.Equal(t, tx.Busy, res)
	assert.ErrorIs(t, err, tx.ErrStopped)

	require.NoError(t, f.c.Unload(ctx, UnloadClose))
	f.assertDown(t)
}

func tcpFrame(t *testing.T) *packet.Packet {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{2, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 7, ACK: true, Window: 512}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, tcp, gopacket.Payload(make([]byte, 300))))
	p := &packet.Packet{Head: buf.Bytes()}
	require.NoError(t, packet.NewClassifier().Classify(p))
	return p
}

func TestController_Traffic(t *testing.T) {
	f := newFixture(t, testConfig(2, true))
	ctx := context.Background()
	require.NoError(t, f.c.Load(ctx, LoadOpen))

	fp := f.c.Fastpaths()[1]
	p := tcpFrame(t)
	sent := append([]byte(nil), p.Bytes()...)
	res, err := fp.Xmit(p, 0)
	require.NoError(t, err)
	require.Equal(t, tx.Accepted, res)

	select {
	case <-f.stack.got:
	case <-time.After(5 * time.Second):
		t.Fatal("frame was never delivered")
	}

	f.stack.mu.Lock()
	require.Len(t, f.stack.pkts, 1)
	assert.Equal(t, sent, f.stack.pkts[0].Bytes())
	assert.Equal(t, 1, f.stack.pkts[0].Queue)
	f.stack.mu.Unlock()
	f.stack.releaseAll()

	require.NoError(t, f.c.Unload(ctx, UnloadClose))
	assert.Equal(t, uint64(0), fp.TxCompleted(), "counters go with the activation")
	f.assertDown(t)
}

func TestController_UnloadWhileClosed(t *testing.T) {
	f := newFixture(t, testConfig(1, false))
	assert.ErrorIs(t, f.c.Unload(context.Background(), UnloadClose), ErrInvalidState)
	assert.Empty(t, f.dev.Commands())
	assert.Equal(t, RecoveryDone, f.c.Recovery())
}

func TestController_Validate(t *testing.T) {
	metrics.DefaultRegistry.UnregisterAll()
	dev := newDevice(t, loopback.NewChip(), 0, true)
	stack := &testStack{}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no queues", mutate: func(c *Config) { c.Queues = 0 }},
		{name: "too many queues", mutate: func(c *Config) { c.Queues = 17 }},
		{name: "no traffic class", mutate: func(c *Config) { c.Queue.Cos = 0 }},
		{name: "too many bins", mutate: func(c *Config) { c.Queue.TPABins = 65 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(1, true)
			tt.mutate(&cfg)
			_, err := New(test.NewLogger(), dev, NewPortContext(0), fastpath.Handlers{Stack: stack}, cfg)
			assert.Error(t, err)
		})
	}

	_, err := New(test.NewLogger(), dev, NewPortContext(1), fastpath.Handlers{Stack: stack}, testConfig(1, true))
	assert.Error(t, err, "the port context must belong to the device path")
}

func TestController_NoMCP(t *testing.T) {
	metrics.DefaultRegistry.UnregisterAll()
	chip := loopback.NewChip()
	pc := NewPortContext(0)
	ctx := context.Background()

	var cs []*Controller
	var devs []*loopback.Device
	for _, port := range []int{0, 1, 0} {
		dev := newDevice(t, chip, port, false)
		c, _ := newController(t, dev, pc, testConfig(1, false))
		require.NoError(t, c.Load(ctx, LoadOpen))
		cs = append(cs, c)
		devs = append(devs, dev)
	}

	assert.Equal(t, hw.LoadCommon, cs[0].LoadCode())
	assert.Equal(t, hw.LoadPort, cs[1].LoadCode())
	assert.Equal(t, hw.LoadFunction, cs[2].LoadCode())
	assert.Equal(t, 3, pc.Active())
	assert.Equal(t, 3, pc.Refs())
	assert.Equal(t, 0, chip.Loaded(0), "the firmware never saw a load request")

	assert.Equal(t, []hw.Op{
		hw.OpInitHW, hw.OpFunctionStart, hw.OpSetupQueue, hw.OpConfigRSS,
		hw.OpSetMTU, hw.OpSetMAC, hw.OpSetRxMode, hw.OpStartTimer,
	}, devs[0].Commands())

	for i := len(cs) - 1; i >= 0; i-- {
		require.NoError(t, cs[i].Unload(ctx, UnloadClose))
		require.NoError(t, cs[i].Close())
	}
	assert.Equal(t, []hw.Op{
		hw.OpStopTimer, hw.OpDelMAC, hw.OpSetRxMode, hw.OpHaltQueue,
		hw.OpFunctionStop, hw.OpChipCleanup, hw.OpParityStatus,
	}, devs[0].Commands()[8:])
	assert.Equal(t, 0, pc.Active())
	assert.Equal(t, 0, pc.Refs())
}

func TestController_ParityBlocksLoad(t *testing.T) {
	f := newFixture(t, testConfig(1, false))
	ctx := context.Background()

	require.NoError(t, f.c.Load(ctx, LoadOpen))
	f.chip.InjectParity(false)
	require.NoError(t, f.c.Unload(ctx, UnloadClose))

	reset, global := f.c.Port().ResetInProgress()
	assert.True(t, reset)
	assert.False(t, global)
	assert.ErrorIs(t, f.c.Load(ctx, LoadOpen), ErrBusy)

	// Recovering a closed device only resets the path.
	require.NoError(t, f.c.Recover(ctx))
	assert.Equal(t, 1, f.chip.Resets())
	assert.Equal(t, StateClosed, f.c.State())
	reset, _ = f.c.Port().ResetInProgress()
	assert.False(t, reset)

	require.NoError(t, f.c.Load(ctx, LoadOpen))
	require.NoError(t, f.c.Unload(ctx, UnloadClose))
}

func TestController_Recover(t *testing.T) {
	metrics.DefaultRegistry.UnregisterAll()
	chip := loopback.NewChip()
	pc := NewPortContext(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var cs []*Controller
	var devs []*loopback.Device
	for port := 0; port < 2; port++ {
		dev := newDevice(t, chip, port, true)
		c, _ := newController(t, dev, pc, testConfig(2, false))
		require.NoError(t, c.Load(ctx, LoadOpen))
		cs = append(cs, c)
		devs = append(devs, dev)
	}
	assert.Equal(t, 2, pc.Active())

	chip.InjectParity(true)

	var eg errgroup.Group
	for _, c := range cs {
		c := c
		eg.Go(func() error { return c.Recover(ctx) })
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, 1, chip.Resets(), "only the leader resets the chip")
	assert.Equal(t, 2, pc.Active())
	assert.Equal(t, 2, chip.Loaded(0))
	reset, _ := pc.ResetInProgress()
	assert.False(t, reset)

	resets := 0
	for i, c := range cs {
		assert.Equal(t, StateOpen, c.State())
		assert.Equal(t, RecoveryDone, c.Recovery())
		assert.False(t, pc.Leader(c))
		for _, op := range devs[i].Commands() {
			if op == hw.OpGlobalReset {
				resets++
			}
		}
		require.NoError(t, c.Unload(ctx, UnloadClose))
	}
	assert.Equal(t, 1, resets)
	assert.Equal(t, 0, chip.Loaded(0))
}

func TestController_RecoverTimesOut(t *testing.T) {
	metrics.DefaultRegistry.UnregisterAll()
	chip := loopback.NewChip()
	pc := NewPortContext(0)
	ctx := context.Background()

	leader, _ := newController(t, newDevice(t, chip, 0, true), pc, testConfig(1, false))
	peer, _ := newController(t, newDevice(t, chip, 1, true), pc, testConfig(1, false))
	require.NoError(t, leader.Load(ctx, LoadOpen))
	require.NoError(t, peer.Load(ctx, LoadOpen))

	// The peer never unloads, so the leader cannot reset the path.
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := leader.Recover(tctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, leader.State())
	assert.Equal(t, 0, chip.Resets())
	assert.False(t, pc.Leader(leader))

	// Once the peer joins, a new recovery completes.
	var eg errgroup.Group
	eg.Go(func() error { return leader.Recover(ctx) })
	eg.Go(func() error { return peer.Recover(ctx) })
	require.NoError(t, eg.Wait())
	assert.Equal(t, 1, chip.Resets())
	assert.Equal(t, StateOpen, peer.State())

	require.NoError(t, peer.Unload(ctx, UnloadClose))
}

func TestController_Reconfigure(t *testing.T) {
	f := newFixture(t, testConfig(1, true))
	ctx := context.Background()

	cfg := testConfig(1, true)
	cfg.Queue.MTU = 9000
	cfg.Queue.BufSize = 9000 + 18 + 64
	require.NoError(t, f.c.Reconfigure(ctx, cfg), "a closed device takes the new config as is")
	assert.Empty(t, f.dev.Commands())

	require.NoError(t, f.c.Load(ctx, LoadOpen))
	assert.Equal(t, 9000, f.dev.MTU())

	cfg.Queue.MTU = 4000
	require.NoError(t, f.c.Reconfigure(ctx, cfg))
	assert.Equal(t, StateOpen, f.c.State())
	assert.Equal(t, 4000, f.dev.MTU())
	assert.Equal(t, 4000, f.c.Config().Queue.MTU)

	cfg.Queues = 2
	assert.ErrorIs(t, f.c.Reconfigure(ctx, cfg), ErrInvalidState)

	require.NoError(t, f.c.Unload(ctx, UnloadClose))
	f.assertDown(t)
}
