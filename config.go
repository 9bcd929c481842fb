package nicplane

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/config"
	"github.com/slackhq/nicplane/fastpath"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/lifecycle"
	"github.com/slackhq/nicplane/poll"
)

const (
	// EthOverhead is the Ethernet header plus one VLAN tag.
	EthOverhead = 14 + 4

	// MinMTU and MaxMTU bound the MTU; a minimum frame of 60 bytes must fit
	// behind the Ethernet header.
	MinMTU = 60 - 14
	MaxMTU = 9600
)

// ErrInvalidMTU is returned for an MTU outside MinMTU..MaxMTU.
var ErrInvalidMTU = errors.New("invalid mtu")

// Features are the offloads that can be toggled at run time.
type Features struct {
	// LRO is receive aggregation. It needs RxCsum.
	LRO      bool
	RxCsum   bool
	Loopback bool
}

func (f Features) String() string {
	return fmt.Sprintf("lro=%v rxcsum=%v loopback=%v", f.LRO, f.RxCsum, f.Loopback)
}

// normalize clears LRO when receive checksum offload is off.
func (f Features) normalize(l *logrus.Logger) Features {
	if f.LRO && !f.RxCsum {
		l.Warn("LRO needs RX checksum offload, disabling LRO")
		f.LRO = false
	}
	return f
}

func featuresFromConfig(l *logrus.Logger, c *config.C) Features {
	return Features{
		LRO:      c.GetBool("rx.tpa", true),
		RxCsum:   c.GetBool("rx.csum", true),
		Loopback: c.GetBool("device.loopback", false),
	}.normalize(l)
}

// CheckMTU validates mtu.
func CheckMTU(mtu int) error {
	if mtu < MinMTU || mtu > MaxMTU {
		return fmt.Errorf("%w: %d is outside %d..%d", ErrInvalidMTU, mtu, MinMTU, MaxMTU)
	}
	return nil
}

// RxBufSize is the receive buffer size for mtu: the frame with one VLAN tag
// plus the alignment padding the device adds.
func RxBufSize(mtu int, caps hw.Capabilities) int {
	return mtu + EthOverhead + caps.RxAlign
}

// CapabilitiesFromConfig returns the default capabilities overridden by the
// device section.
func CapabilitiesFromConfig(c *config.C) (hw.Capabilities, error) {
	caps := hw.DefaultCapabilities()

	var err error
	caps.ParseFormat, err = hw.ParseFormatFromString(c.GetString("device.parse_format", caps.ParseFormat.String()))
	if err != nil {
		return caps, err
	}
	caps.HasMCP = c.GetBool("device.mcp", caps.HasMCP)
	caps.MaxQueues = c.GetInt("device.max_queues", caps.MaxQueues)
	caps.MaxCos = c.GetInt("device.max_cos", caps.MaxCos)
	caps.MaxFetchBD = c.GetInt("device.max_fetch_bd", caps.MaxFetchBD)
	caps.Port = c.GetInt("device.port", 0)
	caps.Path = c.GetInt("device.path", 0)
	return caps, caps.Validate()
}

// lifecycleConfig builds the load configuration from c.
func lifecycleConfig(c *config.C, caps hw.Capabilities, f Features) (lifecycle.Config, error) {
	mtu := c.GetInt("device.mtu", 1500)
	if err := CheckMTU(mtu); err != nil {
		return lifecycle.Config{}, err
	}

	cfg := lifecycle.Config{
		Queues: c.GetInt("device.queues", 1),
		Budget: c.GetInt("poll.budget", poll.DefaultBudget),
		Queue: fastpath.Config{
			Cos:             c.GetInt("device.cos", 1),
			TxSize:          c.GetInt("rings.tx_size", 4096),
			RxSize:          c.GetInt("rings.rx_size", 1024),
			RxCapacity:      c.GetInt("rings.rx_capacity", 4096),
			CQSize:          c.GetInt("rings.cq_size", 4096),
			SGESize:         c.GetInt("rings.sge_size", 1024),
			BufSize:         RxBufSize(mtu, caps),
			CopyThreshold:   c.GetInt("rx.copy_threshold", 256),
			CopyBaselineMTU: c.GetInt("rx.copy_baseline_mtu", 1500),
			MTU:             mtu,
			TPA:             f.LRO,
			TPABins:         c.GetInt("rx.tpa_bins", 16),
			Csum:            f.RxCsum,
		},
		RxMode:         hw.RxModeNormal,
		Loopback:       f.Loopback,
		CommandTimeout: c.GetDuration("lifecycle.command_timeout", lifecycle.DefaultCommandTimeout),
		DrainTimeout:   c.GetDuration("lifecycle.drain_timeout", lifecycle.DefaultDrainTimeout),
	}
	if c.GetBool("device.promisc", false) {
		cfg.RxMode = hw.RxModePromisc
	}

	if s := c.GetString("device.mac", ""); s != "" {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return cfg, fmt.Errorf("device.mac: %w", err)
		}
		if len(mac) != len(cfg.MAC) {
			return cfg, fmt.Errorf("device.mac %s is not an ethernet address", s)
		}
		copy(cfg.MAC[:], mac)
	}
	return cfg, nil
}

// watchdogTimeout is the transmit timeout; zero disables the watchdog.
func watchdogTimeout(c *config.C) time.Duration {
	if strings.EqualFold(c.GetString("watchdog.tx_timeout", ""), "off") {
		return 0
	}
	return c.GetDuration("watchdog.tx_timeout", 5*time.Second)
}
