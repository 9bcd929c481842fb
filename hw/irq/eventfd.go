// Package irq delivers software interrupts through eventfd. A Line is raised
// by the device side and serviced by a goroutine blocked in epoll, which
// invokes the registered handler.
package irq

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd counter.
type EventFD struct {
	fd  int
	buf [8]byte
}

func NewEventFD() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking any epoll waiter.
func (e *EventFD) Kick() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(e.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated, the waiter is already due to wake.
		return nil
	}
	return err
}

// Drain resets the counter.
func (e *EventFD) Drain() error {
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (e *EventFD) Close() error {
	if e.fd > 0 {
		err := unix.Close(e.fd)
		e.fd = -1
		return err
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

type epoll struct {
	fd     int
	events []unix.EpollEvent
}

func newEpoll() (epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return epoll{}, err
	}
	return epoll{fd: fd, events: make([]unix.EpollEvent, 2)}, nil
}

func (ep *epoll) add(fd int) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

func (ep *epoll) wait() (int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	return n, err
}

func (ep *epoll) close() error {
	return unix.Close(ep.fd)
}

// Line is one interrupt vector. Raise is a no-op while the line is masked;
// a raise that arrives while masked is latched and fires on Unmask.
type Line struct {
	ev      EventFD
	stop    EventFD
	ep      epoll
	handler func()

	masked  atomic.Bool
	pending atomic.Bool

	running sync.WaitGroup
	done    chan struct{}
}

// NewLine creates a line that calls h for every serviced interrupt. The line
// starts unmasked. Handlers run on a single goroutine per line.
func NewLine(h func()) (*Line, error) {
	ev, err := NewEventFD()
	if err != nil {
		return nil, err
	}
	stop, err := NewEventFD()
	if err != nil {
		ev.Close()
		return nil, err
	}
	ep, err := newEpoll()
	if err != nil {
		ev.Close()
		stop.Close()
		return nil, err
	}
	l := &Line{ev: ev, stop: stop, ep: ep, handler: h, done: make(chan struct{})}
	if err = errors.Join(ep.add(ev.FD()), ep.add(stop.FD())); err != nil {
		l.closeFDs()
		return nil, err
	}
	go l.loop()
	return l, nil
}

func (l *Line) loop() {
	defer close(l.done)
	for {
		n, err := l.ep.wait()
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			switch int(l.ep.events[i].Fd) {
			case l.stop.FD():
				return
			case l.ev.FD():
				_ = l.ev.Drain()
				l.fire()
			}
		}
	}
}

func (l *Line) fire() {
	l.running.Add(1)
	defer l.running.Done()
	// Device behaviour: servicing an interrupt masks the line until the
	// handler's owner acknowledges it.
	if l.masked.Swap(true) {
		l.pending.Store(true)
		return
	}
	l.handler()
}

// Raise asserts the line.
func (l *Line) Raise() error {
	if l.masked.Load() {
		l.pending.Store(true)
		return nil
	}
	return l.ev.Kick()
}

// Mask stops delivery until Unmask.
func (l *Line) Mask() {
	l.masked.Store(true)
}

// Unmask re-enables delivery and replays a latched raise.
func (l *Line) Unmask() error {
	l.masked.Store(false)
	if l.pending.Swap(false) {
		return l.ev.Kick()
	}
	return nil
}

// Sync waits for a running handler to return.
func (l *Line) Sync() {
	l.running.Wait()
}

// Close stops the service goroutine and releases the descriptors.
func (l *Line) Close() error {
	l.Mask()
	if err := l.stop.Kick(); err != nil {
		return err
	}
	<-l.done
	return l.closeFDs()
}

func (l *Line) closeFDs() error {
	return errors.Join(l.ev.Close(), l.stop.Close(), l.ep.close())
}
