package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane"
	"github.com/slackhq/nicplane/config"
	"github.com/slackhq/nicplane/fastpath"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func main() {
	serviceFlag := flag.String("service", "", "Control the system service.")
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *serviceFlag != "" {
		doService(configPath, configTest, Build, serviceFlag)
		os.Exit(1)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout
	ctrl, err := start(l, *configPath, *configTest, Build)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}
	if ctrl != nil {
		ctrl.ShutdownBlock()
	}
	os.Exit(0)
}

// discard is the network stack of the service: received frames go straight
// back to their pools.
type discard struct{}

func (discard) Deliver(p *packet.Packet) {
	p.Release()
}

// start loads the config and brings the device up. It returns a nil Control
// in config test mode.
func start(l *logrus.Logger, configPath string, configTest bool, build string) (*nicplane.Control, error) {
	c := config.NewC(l)
	if err := c.Load(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	ctrl, err := nicplane.MainLoopback(c, configTest, build, l, fastpath.Handlers{Stack: discard{}})
	if err != nil || configTest {
		return nil, err
	}

	if err := ctrl.Start(); err != nil {
		return nil, err
	}
	return ctrl, nil
}
