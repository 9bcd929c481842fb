package rx

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
	"github.com/slackhq/nicplane/test"
	"github.com/slackhq/nicplane/tpa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBufSize = 2048

type testStack struct {
	pkts []*packet.Packet
}

func (s *testStack) Deliver(p *packet.Packet) {
	s.pkts = append(s.pkts, p)
}

type testProducers struct {
	calls int
	last  hw.RxProducers
}

func (t *testProducers) UpdateRxProducers(_ int, p hw.RxProducers) {
	t.calls++
	t.last = p
}

type testHook struct {
	claim  bool
	offers int
}

func (h *testHook) TryClaim(p *packet.Packet, _, _ int) bool {
	h.offers++
	if h.claim {
		p.Release()
	}
	return h.claim
}

type testSlowPath struct {
	events []uint32
}

func (s *testSlowPath) HandleSlowPath(_ int, cqe *hw.CQE) {
	s.events = append(s.events, cqe.Event)
}

type fixture struct {
	table     *dma.Table
	pool      *dma.Pool
	copyPool  *dma.Pool
	ring      *Ring
	status    *hw.StatusBlock
	stack     *testStack
	producers *testProducers
	proc      *Processor
	cfg       Config
}

// newFixture builds a processor over a 16 slot ring and a 32 entry
// completion queue with 15 buffers posted. Counters start from zero.
func newFixture(t *testing.T, mtu int, mut func(*Config)) *fixture {
	t.Helper()
	metrics.DefaultRegistry.UnregisterAll()
	l := test.NewLogger()
	f := &fixture{
		table:     dma.NewTable(l, 0),
		status:    hw.NewStatusBlock(1),
		stack:     &testStack{},
		producers: &testProducers{},
	}

	var err error
	f.pool, err = dma.NewPool(l, t.Name()+".rx", testBufSize, 48, f.table)
	require.NoError(t, err)
	f.copyPool, err = dma.NewPool(l, t.Name()+".copy", 256, 8, f.table)
	require.NoError(t, err)

	f.ring, err = NewRing(f.pool, make([]hw.RxBD, 16))
	require.NoError(t, err)
	n, err := f.ring.Fill(16, 4)
	require.NoError(t, err)
	require.Equal(t, 15, n)

	f.cfg = Config{
		Queue:           2,
		Queues:          4,
		Ring:            f.ring,
		CQE:             make([]hw.CQE, 32),
		Status:          f.status,
		CopyPool:        f.copyPool,
		CopyThreshold:   256,
		CopyBaselineMTU: 1500,
		MTU:             mtu,
		Csum:            true,
		Producers:       f.producers,
		Stack:           f.stack,
	}
	if mut != nil {
		mut(&f.cfg)
	}

	f.proc, err = NewProcessor(l, f.cfg)
	require.NoError(t, err)
	return f
}

// complete posts a completion the way the device would, writing payload
// into the buffer the completion consumes.
func (f *fixture) complete(t *testing.T, cqe hw.CQE, payload []byte) {
	t.Helper()
	idx := f.status.RxCompCons.Load()
	if payload != nil {
		b := f.ring.bufs[f.ring.cons.Add(f.pendingBDs()).Slot(f.ring.size)]
		require.NotNil(t, b)
		mem, ok := f.table.Resolve(b.Addr(), int(cqe.PlacementOffset)+len(payload))
		require.True(t, ok)
		copy(mem[cqe.PlacementOffset:], payload)
	}
	f.cfg.CQE[idx.Slot(len(f.cfg.CQE))] = cqe
	f.status.RxCompCons.Publish(idx.Next())
}

// pendingBDs counts the buffer consuming completions published but not
// processed.
func (f *fixture) pendingBDs() int {
	n := 0
	for i := f.proc.compCons; i != f.status.RxCompCons.Load(); i = i.Next() {
		switch f.cfg.CQE[i.Slot(len(f.cfg.CQE))].Type {
		case hw.CQEFast, hw.CQETPAStart:
			n++
		}
	}
	return n
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestRing_FillFallsBack(t *testing.T) {
	l := test.NewLogger()
	table := dma.NewTable(l, 0)
	pool, err := dma.NewPool(l, t.Name(), testBufSize, 10, table)
	require.NoError(t, err)

	r, err := NewRing(pool, make([]hw.RxBD, 16))
	require.NoError(t, err)

	n, err := r.Fill(16, 8)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, ring.Index(10), r.Prod())
	assert.Equal(t, 10, r.Posted())

	r.Free()
	n, err = r.Fill(16, 12)
	require.Error(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 0, r.Posted())
	assert.Equal(t, 10, pool.Free(), "a failed fill must give everything back")
}

func TestRing_FillLeavesOneSlotEmpty(t *testing.T) {
	l := test.NewLogger()
	pool, err := dma.NewPool(l, t.Name(), testBufSize, 32, dma.NewTable(l, 0))
	require.NoError(t, err)
	r, err := NewRing(pool, make([]hw.RxBD, 16))
	require.NoError(t, err)

	n, err := r.Fill(100, 1)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	for i := 0; i < 15; i++ {
		assert.NotZero(t, r.bds[i].Addr)
	}
	assert.Zero(t, r.bds[15].Addr)
}

func TestProcessor_DeliversAndReplaces(t *testing.T) {
	f := newFixture(t, 1500, nil)
	frame := pattern(1000, 3)
	old := f.ring.bufs[0]

	f.complete(t, hw.CQE{
		Type: hw.CQEFast, PktLen: 1000, PlacementOffset: 64,
		Status: hw.StatusRSSHash, RSSHash: 0xabcd, Parse: hw.ParsingVLAN, VlanTag: 7,
	}, frame)

	assert.True(t, f.proc.HasWork())
	assert.Equal(t, 1, f.proc.Poll(64))
	assert.False(t, f.proc.HasWork())

	require.Len(t, f.stack.pkts, 1)
	p := f.stack.pkts[0]
	assert.Equal(t, frame, p.Head)
	assert.Equal(t, 2, p.Queue)
	assert.True(t, p.HasHash)
	assert.Equal(t, uint32(0xabcd), p.Hash)
	assert.True(t, p.HasVLAN)
	assert.Equal(t, uint16(7), p.VLAN)
	assert.True(t, p.CsumVerified)
	assert.Equal(t, dma.OwnerStack, old.Owner())

	// The replacement went to the old producer slot.
	assert.Nil(t, f.ring.bufs[0])
	require.NotNil(t, f.ring.bufs[15])
	assert.True(t, f.ring.bufs[15].Mapped())
	assert.Equal(t, 1, f.producers.calls)
	assert.Equal(t, hw.RxProducers{BD: 16, CQE: 32}, f.producers.last)

	p.Release()
	assert.Equal(t, dma.OwnerPool, old.Owner())
}

func TestProcessor_SmallFrameIsCopied(t *testing.T) {
	f := newFixture(t, 9000, nil)
	frame := pattern(60, 9)
	old := f.ring.bufs[0]

	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 60, PlacementOffset: 2}, frame)
	syncs := f.table.Syncs()
	assert.Equal(t, 1, f.proc.Poll(64))
	assert.Equal(t, syncs+1, f.table.Syncs(), "the copy reads the buffer only after a sync")

	require.Len(t, f.stack.pkts, 1)
	p := f.stack.pkts[0]
	assert.Equal(t, frame, p.Head)
	require.Len(t, p.Buffers(), 1)
	assert.Same(t, f.copyPool, p.Buffers()[0].Pool())

	// The original buffer went back to the device at the producer slot.
	assert.Same(t, old, f.ring.bufs[15])
	assert.Equal(t, dma.OwnerDevice, old.Owner())
	assert.Equal(t, 15, f.ring.Posted())

	p.Release()
}

func TestProcessor_CopyOnlyAboveBaselineMTU(t *testing.T) {
	f := newFixture(t, 1500, nil)
	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 60}, pattern(60, 1))
	f.proc.Poll(64)

	require.Len(t, f.stack.pkts, 1)
	assert.Same(t, f.pool, f.stack.pkts[0].Buffers()[0].Pool())
	f.stack.pkts[0].Release()
}

func TestProcessor_Budget(t *testing.T) {
	f := newFixture(t, 1500, nil)
	for i := 0; i < 15; i++ {
		f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 100}, pattern(100, byte(i)))
	}

	assert.Equal(t, 10, f.proc.Poll(10))
	assert.True(t, f.proc.HasWork())
	assert.Len(t, f.stack.pkts, 10)
	assert.Equal(t, 1, f.producers.calls, "producers are published once per poll")

	assert.Equal(t, 5, f.proc.Poll(10))
	assert.False(t, f.proc.HasWork())
	assert.Len(t, f.stack.pkts, 15)
	assert.Equal(t, 15, f.ring.Posted())

	for i, p := range f.stack.pkts {
		assert.Equal(t, byte(i), p.Head[0], "frames are delivered in completion order")
		p.Release()
	}
}

func TestProcessor_ErrorFramesAreDropped(t *testing.T) {
	f := newFixture(t, 1500, nil)
	old := f.ring.bufs[0]

	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 100, Err: hw.ErrPhyDecode}, nil)
	assert.Equal(t, 1, f.proc.Poll(64))

	assert.Empty(t, f.stack.pkts)
	assert.Same(t, old, f.ring.bufs[15])
	assert.Equal(t, dma.OwnerDevice, old.Owner())
	assert.Equal(t, int64(1), f.proc.errDiscard.Count())
}

func TestProcessor_BadChecksumStillDelivered(t *testing.T) {
	f := newFixture(t, 1500, nil)
	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 100, Err: hw.ErrL4BadCsum}, pattern(100, 0))
	f.proc.Poll(64)

	require.Len(t, f.stack.pkts, 1)
	assert.False(t, f.stack.pkts[0].CsumVerified)
	assert.Equal(t, int64(1), f.proc.csumErr.Count())
	f.stack.pkts[0].Release()
}

func TestProcessor_AllocFailureReusesBuffer(t *testing.T) {
	f := newFixture(t, 1500, nil)
	old := f.ring.bufs[0]

	// Drain the pool so no replacement can be found.
	var held []*dma.Buffer
	for f.pool.Free() > 0 {
		b, err := f.pool.Acquire()
		require.NoError(t, err)
		held = append(held, b)
	}

	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 100}, pattern(100, 0))
	assert.Equal(t, 1, f.proc.Poll(64))

	assert.Empty(t, f.stack.pkts)
	assert.Same(t, old, f.ring.bufs[15])
	assert.Equal(t, dma.OwnerDevice, old.Owner())
	assert.Equal(t, 15, f.ring.Posted())

	for _, b := range held {
		f.pool.ReleaseToPool(b)
	}
}

func TestProcessor_HookClaims(t *testing.T) {
	hook := &testHook{claim: true}
	f := newFixture(t, 1500, func(c *Config) { c.Hook = hook })

	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 100}, pattern(100, 0))
	f.proc.Poll(64)

	assert.Equal(t, 1, hook.offers)
	assert.Empty(t, f.stack.pkts)
	assert.Equal(t, int64(1), f.proc.claimed.Count())

	hook.claim = false
	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 100}, pattern(100, 0))
	f.proc.Poll(64)
	assert.Equal(t, 2, hook.offers)
	require.Len(t, f.stack.pkts, 1)
	f.stack.pkts[0].Release()
}

func TestProcessor_SlowPathIsNotCounted(t *testing.T) {
	sp := &testSlowPath{}
	f := newFixture(t, 1500, func(c *Config) { c.SlowPath = sp })

	f.complete(t, hw.CQE{Type: hw.CQESlow, Event: 5}, nil)
	f.complete(t, hw.CQE{Type: hw.CQEFast, PktLen: 100}, pattern(100, 0))

	assert.Equal(t, 1, f.proc.Poll(64))
	assert.Equal(t, []uint32{5}, sp.events)
	assert.Equal(t, ring.Index(1), f.ring.Cons(), "control events do not consume buffers")
	require.Len(t, f.stack.pkts, 1)
	f.stack.pkts[0].Release()
}

func TestProcessor_Aggregation(t *testing.T) {
	l := test.NewLogger()
	var engine *tpa.Engine
	f := newFixture(t, 1500, func(c *Config) {
		pages, err := dma.NewPool(l, t.Name()+".sge", 4096, 160, c.Ring.Pool().Mapper())
		require.NoError(t, err)
		sge, err := tpa.NewSGERing(pages, make([]hw.SGE, 128))
		require.NoError(t, err)
		require.NoError(t, sge.Fill())
		engine, err = tpa.NewEngine(l, c.Queue, 2, c.Ring.Pool(), sge, hw.DefaultCapabilities())
		require.NoError(t, err)
		c.TPA = engine
	})

	first := f.ring.bufs[0]
	head := pattern(1000, 1)
	f.complete(t, hw.CQE{Type: hw.CQETPAStart, Bin: 1, LenOnBD: 1000, PlacementOffset: 64}, head)
	f.complete(t, hw.CQE{Type: hw.CQETPAStop, Bin: 1, PktLen: 1000 + 500, SGL: []uint16{0}}, nil)

	assert.Equal(t, 1, f.proc.Poll(64), "only the aggregation start counts")
	assert.Equal(t, tpa.StateStop, engine.State(1))
	require.Len(t, f.stack.pkts, 1)
	p := f.stack.pkts[0]
	assert.Equal(t, head, p.Head)
	require.Len(t, p.Frags, 1)
	assert.Len(t, p.Frags[0], 500)
	assert.Same(t, first, p.Buffers()[0])
	assert.True(t, p.CsumVerified)
	assert.Equal(t, 2, p.Queue)

	// The context reserve took the place of the aggregated buffer.
	require.NotNil(t, f.ring.bufs[15])
	assert.NotSame(t, first, f.ring.bufs[15])
	assert.Equal(t, f.proc.Producers().SGE, engine.SGE().Prod())

	p.Release()
}

func TestProcessor_AggregationEventWithoutEngine(t *testing.T) {
	f := newFixture(t, 1500, nil)
	old := f.ring.bufs[0]

	f.complete(t, hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 100}, nil)
	f.complete(t, hw.CQE{Type: hw.CQETPAStop, Bin: 0, PktLen: 100}, nil)
	assert.Equal(t, 1, f.proc.Poll(64))

	assert.Empty(t, f.stack.pkts)
	assert.Same(t, old, f.ring.bufs[15])
	assert.Equal(t, int64(2), f.proc.violations.Count())
}
