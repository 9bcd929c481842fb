//go:build !dma_debug
// +build !dma_debug

package dma

import (
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

func violation(l *logrus.Logger, c metrics.Counter, msg string, fields logrus.Fields) {
	c.Inc(1)
	l.WithFields(fields).Error(msg)
}
