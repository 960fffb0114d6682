// Package enumerator implements the periodic+event-driven scan of
// attached devices, producing stable device_id keys and the
// Connected/Disconnected/Reconnected diff stream that the Queue
// Manager and Event Bus consume. It is a symmetric-diff poll against
// the previous scan's device set, run as a standalone background
// producer rather than driven by an incoming HTTP request.
package enumerator

import (
	"sync"
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/memorywriter"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
)

// Scanner lists presently attached devices. Production code composes
// one Scanner per transport backend (HID, USB interrupt); tests supply
// a closure-backed Scanner.
type Scanner interface {
	Scan() ([]transport.Descriptor, error)
}

// ScannerFunc adapts a plain function to Scanner.
type ScannerFunc func() ([]transport.Descriptor, error)

func (f ScannerFunc) Scan() ([]transport.Descriptor, error) { return f() }

// Kind enumerates the event variants an Enumerator produces.
type Kind int

const (
	Connected Kind = iota
	Disconnected
	Reconnected
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Reconnected:
		return "Reconnected"
	default:
		return "Unknown"
	}
}

// Event is one connect/disconnect/reconnect diff entry.
type Event struct {
	Kind         Kind
	Descriptor   transport.Descriptor
	WasTemporary bool // set on Reconnected
}

const eventBuffer = 256

// Enumerator runs the single background scan task. It is restartable
// only by stopping and re-creating it (Stop then New); there is no
// in-place restart.
type Enumerator struct {
	scanner  Scanner
	interval time.Duration
	grace    time.Duration
	log      *memorywriter.MemoryWriter

	mu           sync.Mutex
	current      map[string]transport.Descriptor
	recentlyGone map[string]time.Time

	events  chan Event
	nudge   chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// New builds an Enumerator. interval is the scan period (config
// enum_scan_interval_ms, default 500ms); grace is the reconnect window
// (config disconnect_grace_ms, default 10s).
func New(scanner Scanner, interval, grace time.Duration, log *memorywriter.MemoryWriter) *Enumerator {
	return &Enumerator{
		scanner:      scanner,
		interval:     interval,
		grace:        grace,
		log:          log,
		current:      make(map[string]transport.Descriptor),
		recentlyGone: make(map[string]time.Time),
		events:       make(chan Event, eventBuffer),
		nudge:        make(chan struct{}, 1),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Start launches the background scan loop. Safe to call once.
func (e *Enumerator) Start() {
	go e.run()
}

// Stop halts the scan loop and waits for it to exit. The Enumerator
// must not be reused after Stop; construct a new one.
func (e *Enumerator) Stop() {
	close(e.stop)
	<-e.stopped
}

// Events returns the event stream. Callers must keep draining it; the
// Enumerator itself never drops an event, only ever-staler scan
// results, so a slow consumer here backs up the producer rather than
// losing history (the Event Bus is where bounded drop-oldest behavior
// belongs).
func (e *Enumerator) Events() <-chan Event {
	return e.events
}

// Nudge requests an out-of-band scan, used when the OS reports a
// hotplug notification. Non-blocking: a pending nudge coalesces with
// one already queued.
func (e *Enumerator) Nudge() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Grace returns the configured disconnect-to-reconnect grace window,
// so a consumer deciding whether to tear down device-scoped state on a
// Disconnected event can wait out the same window before committing.
func (e *Enumerator) Grace() time.Duration { return e.grace }

// Snapshot returns the currently tracked descriptors, used to seed a
// Queue Manager's list_devices() without waiting for the next tick.
func (e *Enumerator) Snapshot() []transport.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]transport.Descriptor, 0, len(e.current))
	for _, d := range e.current {
		out = append(out, d)
	}
	return out
}

func (e *Enumerator) run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	defer close(e.stopped)

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.scanOnce()
		case <-e.nudge:
			e.scanOnce()
		}
	}
}

func (e *Enumerator) scanOnce() {
	descs, err := e.scanner.Scan()
	if err != nil {
		if e.log != nil {
			e.log.Log("enumerator: scan error, keeping previous set: " + err.Error())
		}
		// Drop this stale scan result, never an event.
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		seen[d.DeviceID] = struct{}{}
	}

	for id, prev := range e.current {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(e.current, id)
		e.recentlyGone[id] = time.Now()
		e.emit(Event{Kind: Disconnected, Descriptor: prev})
	}

	for _, d := range descs {
		if _, already := e.current[d.DeviceID]; already {
			continue
		}
		e.current[d.DeviceID] = d

		if goneAt, ok := e.recentlyGone[d.DeviceID]; ok && time.Since(goneAt) <= e.grace {
			delete(e.recentlyGone, d.DeviceID)
			e.emit(Event{Kind: Reconnected, Descriptor: d, WasTemporary: true})
		} else {
			delete(e.recentlyGone, d.DeviceID)
			e.emit(Event{Kind: Connected, Descriptor: d})
		}
	}

	for id, at := range e.recentlyGone {
		if time.Since(at) > e.grace {
			delete(e.recentlyGone, id)
		}
	}
}

func (e *Enumerator) emit(ev Event) {
	if e.log != nil {
		e.log.Log("enumerator: " + ev.Kind.String() + " " + ev.Descriptor.DeviceID)
	}
	e.events <- ev
}
