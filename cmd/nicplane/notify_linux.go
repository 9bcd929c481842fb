package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sd_notify states, see https://www.freedesktop.org/software/systemd/man/sd_notify.html
const (
	sdNotifyReady    = "READY=1"
	sdNotifyStopping = "STOPPING=1"
)

func notifyReady(l *logrus.Logger) {
	sdNotify(l, sdNotifyReady)
}

func notifyStopping(l *logrus.Logger) {
	sdNotify(l, sdNotifyStopping)
}

func sdNotify(l *logrus.Logger, state string) {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		l.Debugln("NOTIFY_SOCKET not set, skipping systemd notification")
		return
	}

	conn, err := net.DialTimeout("unixgram", sock, time.Second)
	if err != nil {
		l.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}

	if _, err = conn.Write([]byte(state)); err != nil {
		l.WithError(err).WithField("state", state).Error("Failed to notify systemd")
		return
	}

	l.WithField("state", state).Debugln("Notified systemd")
}
