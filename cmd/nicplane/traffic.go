package main

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/tx"
)

// sink is the network stack for the loopback device. It counts and drops
// everything it receives.
type sink struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *sink) Deliver(p *packet.Packet) {
	s.packets.Add(1)
	s.bytes.Add(uint64(p.Len()))
	p.Release()
}

func (s *sink) summary(l *logrus.Logger, g *generator, elapsed time.Duration) {
	secs := max(elapsed.Seconds(), 1e-9)
	rx := s.bytes.Load()
	l.WithFields(logrus.Fields{
		"elapsed":  elapsed.Round(time.Millisecond),
		"sent":     humanize.Comma(int64(g.sent.Load())),
		"busy":     humanize.Comma(int64(g.busy.Load())),
		"dropped":  humanize.Comma(int64(g.dropped.Load())),
		"received": humanize.Comma(int64(s.packets.Load())),
		"rxBytes":  humanize.IBytes(rx),
		"rxRate":   humanize.IBytes(uint64(float64(rx)/secs)) + "/s",
	}).Info("Traffic summary")
}

// generator submits UDP frames round robin over a fixed set of flows.
type generator struct {
	frames [][]byte

	sent    atomic.Uint64
	busy    atomic.Uint64
	dropped atomic.Uint64
}

func newGenerator(flows, size int) (*generator, error) {
	g := &generator{}
	if flows <= 0 {
		return g, nil
	}
	if size < 0 || size > nicplane.MaxMTU-28 {
		return nil, errors.New("-size does not fit in a frame")
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	for i := 0; i < flows; i++ {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, byte(i>>8), byte(i)),
			DstIP:    net.IPv4(10, 1, 0, 1),
		}
		udp := &layers.UDP{SrcPort: layers.UDPPort(10000 + i%50000), DstPort: 4242}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}

		buf := gopacket.NewSerializeBuffer()
		err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			eth, ip, udp, gopacket.Payload(payload))
		if err != nil {
			return nil, err
		}
		g.frames = append(g.frames, buf.Bytes())
	}
	return g, nil
}

func (g *generator) run(ctx context.Context, c *nicplane.Control) {
	if len(g.frames) == 0 {
		return
	}

	for i := 0; ctx.Err() == nil; i++ {
		f := g.frames[i%len(g.frames)]
		p := &packet.Packet{Head: append([]byte(nil), f...), Queue: -1}

		res, err := c.Submit(p, 0)
		switch res {
		case tx.Accepted:
			g.sent.Add(1)
		case tx.Dropped:
			g.dropped.Add(1)
		case tx.Busy:
			g.busy.Add(1)
			if err != nil && !errors.Is(err, tx.ErrRingFull) {
				// Stopped or reloading.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
}
