package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane"
	"github.com/slackhq/nicplane/config"
	"github.com/slackhq/nicplane/fastpath"
	"github.com/slackhq/nicplane/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	flows := flag.Int("flows", 0, "Number of synthetic flows to send through the loopback device, 0 for none")
	size := flag.Int("size", 512, "Payload size of the synthetic frames")
	duration := flag.Duration("duration", 0, "Stop after this long instead of waiting for a signal")
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

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	s := &sink{}
	ctrl, err := nicplane.MainLoopback(c, *configTest, Build, l, fastpath.Handlers{Stack: s})
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	if err := ctrl.Start(); err != nil {
		util.LogWithContextIfNeeded("Failed to load the device", err, l)
		os.Exit(1)
	}
	notifyReady(l)

	g, err := newGenerator(*flows, *size)
	if err != nil {
		l.WithError(err).Error("Failed to build synthetic traffic")
		ctrl.Stop()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.run(ctx, ctrl)
	}()

	start := time.Now()
	if *duration > 0 {
		time.Sleep(*duration)
		cancel()
		<-done
		notifyStopping(l)
		ctrl.Stop()
	} else {
		ctrl.ShutdownBlock()
		cancel()
		<-done
	}

	s.summary(l, g, time.Since(start))
	os.Exit(0)
}
