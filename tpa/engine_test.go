package tpa

import (
	"testing"

	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
	"github.com/slackhq/nicplane/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBufSize = 2048
	testPage    = 4096
)

type testRing struct {
	bufs []*dma.Buffer
	bds  []hw.RxBD
}

func (r *testRing) Take(idx ring.Index) *dma.Buffer {
	s := idx.Slot(len(r.bufs))
	b := r.bufs[s]
	r.bufs[s] = nil
	r.bds[s].Addr = 0
	return b
}

func (r *testRing) Post(idx ring.Index, b *dma.Buffer) {
	s := idx.Slot(len(r.bufs))
	r.bufs[s] = b
	r.bds[s].Addr = b.Addr()
}

func (r *testRing) Reuse(cons, prod ring.Index) {
	c, p := cons.Slot(len(r.bufs)), prod.Slot(len(r.bufs))
	b := r.bufs[c]
	r.bufs[c] = nil
	r.bufs[p] = b
	r.bds[p].Addr = b.Addr()
}

type fixture struct {
	table  *dma.Table
	pool   *dma.Pool
	pages  *dma.Pool
	ring   *testRing
	engine *Engine
}

// newFixture builds an engine with two bins over an 8 slot ring whose slots
// 0 to 3 hold posted buffers.
func newFixture(t *testing.T, queue int) *fixture {
	t.Helper()
	l := test.NewLogger()
	f := &fixture{table: dma.NewTable(l, 0)}

	var err error
	f.pool, err = dma.NewPool(l, t.Name()+".rx", testBufSize, 16, f.table)
	require.NoError(t, err)
	f.pages, err = dma.NewPool(l, t.Name()+".sge", testPage, 160, f.table)
	require.NoError(t, err)

	sge, err := NewSGERing(f.pages, make([]hw.SGE, 128))
	require.NoError(t, err)
	require.NoError(t, sge.Fill())

	f.engine, err = NewEngine(l, queue, 2, f.pool, sge, hw.DefaultCapabilities())
	require.NoError(t, err)

	f.ring = &testRing{bufs: make([]*dma.Buffer, 8), bds: make([]hw.RxBD, 8)}
	for i := 0; i < 4; i++ {
		b, err := f.pool.Acquire()
		require.NoError(t, err)
		require.NoError(t, f.pool.MapForDevice(b, dma.FromDevice))
		f.ring.Post(ring.Index(i), b)
	}
	return f
}

// deviceWrite fills the memory of a posted buffer the way the device would.
func (f *fixture) deviceWrite(t *testing.T, addr dma.Addr, off int, data []byte) {
	t.Helper()
	mem, ok := f.table.Resolve(addr, off+len(data))
	require.True(t, ok)
	copy(mem[off:], data)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestEngine_StartStopReassembles(t *testing.T) {
	f := newFixture(t, 100)
	cons, prod := ring.Index(0), ring.Index(4)

	first := f.ring.bufs[0]
	head := pattern(1000, 1)
	f.deviceWrite(t, first.Addr(), 64, head)

	f.engine.Start(f.ring, cons, prod, &hw.CQE{
		Type: hw.CQETPAStart, Bin: 1, LenOnBD: 1000, PlacementOffset: 64,
		Parse: hw.ParsingVLAN, VlanTag: 42, Status: hw.StatusRSSHash, RSSHash: 0xfeed,
	})
	assert.Equal(t, StateStart, f.engine.State(1))
	assert.Nil(t, f.ring.bufs[0])
	require.NotNil(t, f.ring.bufs[4])
	assert.True(t, f.ring.bufs[4].Mapped(), "reserve must be mapped when posted")
	assert.True(t, first.Mapped(), "first segment stays mapped until stop")

	// Payload spans two pages; the device used sge slots 0 and 1.
	sge := f.engine.SGE()
	p0, p1 := sge.pages[0], sge.pages[1]
	pay0 := pattern(testPage, 7)
	pay1 := pattern(904, 9)
	f.deviceWrite(t, p0.Addr(), 0, pay0)
	f.deviceWrite(t, p1.Addr(), 0, pay1)

	p := f.engine.Stop(&hw.CQE{Type: hw.CQETPAStop, Bin: 1, PktLen: 1000 + testPage + 904, SGL: []uint16{0, 1}})
	require.NotNil(t, p)
	assert.Equal(t, StateStop, f.engine.State(1))

	assert.Equal(t, head, p.Head)
	require.Len(t, p.Frags, 2)
	assert.Equal(t, pay0, p.Frags[0])
	assert.Equal(t, pay1, p.Frags[1])
	assert.Equal(t, 1000+testPage+904, p.Len())
	assert.Equal(t, uint16(1000-14-20-20), p.GSOSize)
	assert.Equal(t, packet.GSOTCPv4, p.GSOType)
	assert.True(t, p.CsumVerified)
	assert.True(t, p.HasVLAN)
	assert.Equal(t, uint16(42), p.VLAN)
	assert.True(t, p.HasHash)
	assert.Equal(t, uint32(0xfeed), p.Hash)

	for _, b := range p.Buffers() {
		assert.Equal(t, dma.OwnerHost, b.Owner())
	}
	assert.NotSame(t, p0, sge.pages[0], "consumed page must be replaced")
	assert.True(t, sge.pages[0].Mapped())

	p.HandOff()
	p.Release()
	assert.Equal(t, 0, f.pool.Outstanding()[dma.OwnerStack])
}

func TestEngine_StartMapFailureGoesToError(t *testing.T) {
	f := newFixture(t, 101)
	posted := f.ring.bufs[2]

	f.table.FailMapping(1)
	f.engine.Start(f.ring, 2, 5, &hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 100})
	assert.Equal(t, StateError, f.engine.State(0))
	assert.Same(t, posted, f.ring.bufs[5], "buffer must be reused in place")
	assert.True(t, posted.Mapped())

	p := f.engine.Stop(&hw.CQE{Type: hw.CQETPAStop, Bin: 0, PktLen: 100})
	assert.Nil(t, p)
	assert.Equal(t, StateStop, f.engine.State(0))

	// The reserve survived and is used by the next start.
	f.engine.Start(f.ring, 3, 6, &hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 100})
	assert.Equal(t, StateStart, f.engine.State(0))
}

func TestEngine_StopWithoutReplacementStillDelivers(t *testing.T) {
	f := newFixture(t, 102)

	f.engine.Start(f.ring, 0, 4, &hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 60, PlacementOffset: 2})

	// Drain the pool so the stop cannot get a replacement reserve.
	var held []*dma.Buffer
	for {
		b, err := f.pool.Acquire()
		if err != nil {
			break
		}
		held = append(held, b)
	}

	p := f.engine.Stop(&hw.CQE{Type: hw.CQETPAStop, Bin: 0, PktLen: 60})
	require.NotNil(t, p)
	assert.Equal(t, 60, p.Len())
	assert.Nil(t, f.engine.bins[0].reserve)
	assert.Empty(t, p.Frags)
	assert.Zero(t, p.GSOSize, "no payload beyond the first segment means no segmentation hint")

	// Without a reserve the next start dooms the aggregation.
	f.engine.Start(f.ring, 1, 5, &hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 60})
	assert.Equal(t, StateError, f.engine.State(0))
	assert.Nil(t, f.engine.Stop(&hw.CQE{Type: hw.CQETPAStop, Bin: 0, PktLen: 60}))

	// Once memory is back a start succeeds again.
	for _, b := range held {
		f.pool.ReleaseToPool(b)
	}
	p.Discard()
	f.engine.Start(f.ring, 5, 6, &hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 60})
	assert.Equal(t, StateStart, f.engine.State(0))
}

func TestEngine_FragmentAllocFailureDropsPacket(t *testing.T) {
	f := newFixture(t, 103)

	f.engine.Start(f.ring, 0, 4, &hw.CQE{Type: hw.CQETPAStart, Bin: 1, LenOnBD: 100})

	// Leave exactly one spare page: the second fragment cannot be replaced.
	var held []*dma.Buffer
	for f.pages.Free() > 1 {
		b, err := f.pages.Acquire()
		require.NoError(t, err)
		held = append(held, b)
	}
	sge := f.engine.SGE()
	second := sge.pages[1]

	p := f.engine.Stop(&hw.CQE{Type: hw.CQETPAStop, Bin: 1, PktLen: 100 + 2*testPage, SGL: []uint16{0, 1}})
	assert.Nil(t, p)
	assert.Equal(t, StateStop, f.engine.State(1))

	assert.Same(t, second, sge.pages[1], "slot keeps its page when no replacement exists")
	assert.True(t, second.Mapped())
	assert.Zero(t, f.pool.Outstanding()[dma.OwnerHost]-len(f.engine.bins), "only bin reserves stay host owned")
	assert.Zero(t, f.pages.Outstanding()[dma.OwnerHost]-len(held))

	for _, b := range held {
		f.pages.ReleaseToPool(b)
	}
}

func TestEngine_StartWhileStartedIsTolerated(t *testing.T) {
	f := newFixture(t, 104)
	before := f.engine.violations.Count()

	f.engine.Start(f.ring, 0, 4, &hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 100})
	f.engine.Start(f.ring, 1, 5, &hw.CQE{Type: hw.CQETPAStart, Bin: 0, LenOnBD: 200})

	assert.Equal(t, StateStart, f.engine.State(0))
	assert.Equal(t, before+1, f.engine.violations.Count())
	assert.Equal(t, uint16(200), f.engine.bins[0].lenOnBD)
}

func TestEngine_StatesStayInRange(t *testing.T) {
	f := newFixture(t, 105)
	cons, prod := ring.Index(0), ring.Index(4)

	events := []hw.CQEType{
		hw.CQETPAStop, hw.CQETPAStart, hw.CQETPAStart, hw.CQETPAStop,
		hw.CQETPAStop, hw.CQETPAStart, hw.CQETPAStop,
	}
	for i, ev := range events {
		switch ev {
		case hw.CQETPAStart:
			f.engine.Start(f.ring, cons, prod, &hw.CQE{Type: ev, Bin: 0, LenOnBD: 64})
			assert.Contains(t, []State{StateStart, StateError}, f.engine.State(0), "event %d", i)
			cons, prod = cons.Next(), prod.Next()
		case hw.CQETPAStop:
			if p := f.engine.Stop(&hw.CQE{Type: ev, Bin: 0, PktLen: 64}); p != nil {
				p.Discard()
			}
			assert.Equal(t, StateStop, f.engine.State(0), "event %d", i)
		}
	}
}

func TestLroMSS(t *testing.T) {
	tests := []struct {
		name    string
		flags   hw.ParsingFlags
		lenOnBD uint16
		want    uint16
	}{
		{"ipv4", 0, 1514, 1460},
		{"ipv4 timestamp", hw.ParsingTimestamp, 1514, 1448},
		{"ipv6", hw.ParsingIPv6, 1514, 1440},
		{"ipv6 timestamp", hw.ParsingIPv6 | hw.ParsingTimestamp, 1514, 1428},
		{"short", 0, 20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lroMSS(tt.flags, tt.lenOnBD))
		})
	}
}
