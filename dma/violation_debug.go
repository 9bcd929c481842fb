//go:build dma_debug
// +build dma_debug

package dma

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

func violation(_ *logrus.Logger, c metrics.Counter, msg string, fields logrus.Fields) {
	c.Inc(1)
	panic(fmt.Sprintf("dma: %s %v", msg, fields))
}
