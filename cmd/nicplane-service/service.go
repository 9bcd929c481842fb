package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *nicplane.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("nicplane service starting.")

	l := logrus.New()
	l.Out = os.Stdout

	var err error
	p.control, err = start(l, *p.configPath, *p.configTest, p.build)
	return err
}

func (p *program) Stop(s service.Service) error {
	logger.Info("nicplane service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Join(filepath.Dir(ex), "config.yaml")
	}

	svcConfig := &service.Config{
		Name:        "nicplane",
		DisplayName: "nicplane Data Plane",
		Description: "Multi-queue NIC data plane running on a loopback device",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		if err = s.Run(); err != nil {
			logger.Error(err)
		}
	default:
		if err := service.Control(s, *serviceFlag); err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
	}
}
