package nicplane

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/config"
	"github.com/slackhq/nicplane/fastpath"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/hw/loopback"
	"github.com/slackhq/nicplane/lifecycle"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/util"
	"go.yaml.in/yaml/v3"
)

// Main builds the engine for dev from the config. The device is not loaded
// until Control.Start. port may be nil when no other function shares the
// device path.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, dev hw.Device, port *lifecycle.PortContext, h fastpath.Handlers) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	caps := dev.Caps()
	features := featuresFromConfig(l, c)
	cfg, err := lifecycleConfig(c, caps, features)
	if err != nil {
		return nil, util.NewContextualError("Failed to read the device config", nil, err)
	}

	if port == nil {
		port = lifecycle.NewPortContext(caps.Path)
	}
	lc, err := lifecycle.New(l, dev, port, h, cfg)
	if err != nil {
		return nil, util.NewContextualError("Failed to register the device", logrus.Fields{"queues": cfg.Queues}, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	l.WithFields(logrus.Fields{
		"queues":   cfg.Queues,
		"cos":      cfg.Queue.Cos,
		"mtu":      cfg.Queue.MTU,
		"rxBuffer": humanize.IBytes(uint64(cfg.Queue.BufSize)),
		"features": features,
		"parse":    caps.ParseFormat,
	}).Info("Device registered")

	ctx, cancel := context.WithCancel(context.Background())
	control := &Control{
		l:          l,
		lc:         lc,
		caps:       caps,
		ctx:        ctx,
		cancel:     cancel,
		statsStart: statsStart,
		features:   features,
	}
	control.classifiers.New = func() any { return packet.NewClassifier() }
	if timeout := watchdogTimeout(c); timeout > 0 {
		control.watchdog = newWatchdog(control, timeout)
	}

	c.RegisterReloadCallback(control.reload)
	c.CatchHUP(ctx)
	return control, nil
}

// MainLoopback runs Main over a software loopback device described by the
// device section of c.
func MainLoopback(c *config.C, configTest bool, buildVersion string, l *logrus.Logger, h fastpath.Handlers) (*Control, error) {
	caps, err := CapabilitiesFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid device capabilities", nil, err)
	}
	dev, err := loopback.New(l, loopback.NewChip(), loopback.Options{
		Caps:    caps,
		Backlog: c.GetInt("loopback.backlog", loopback.DefaultBacklog),
	})
	if err != nil {
		return nil, util.NewContextualError("Failed to create the loopback device", nil, err)
	}
	return Main(c, configTest, buildVersion, l, dev, nil, h)
}
