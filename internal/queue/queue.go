// Package queue implements the single source of truth mapping
// device_id to Worker handle, and the one API surface external
// callers submit requests through. It is a map of devices guarded by
// a mutex, with golang.org/x/sync's singleflight collapsing Worker
// creation onto one entry point so concurrent first-requests for the
// same device_id provably share one creation, not just one map write.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/BitHighlander/keepkey-vault-v6/internal/enumerator"
	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/memorywriter"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/registry"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
	"github.com/BitHighlander/keepkey-vault-v6/internal/worker"
)

// Manager is the queue manager.
type Manager struct {
	enum   *enumerator.Enumerator
	opener transport.Opener
	cfg    worker.Config
	bus    *eventbus.Bus
	log    *memorywriter.MemoryWriter
	store  registry.Store

	mu      sync.Mutex
	workers map[string]*worker.Worker

	// pendingTeardown holds one cancel channel per device_id whose
	// Worker is scheduled to be torn down once the Enumerator's grace
	// window elapses without a Reconnected. A Connected or Reconnected
	// for that device_id before the timer fires closes the channel and
	// cancels the teardown.
	pendingTeardown map[string]chan struct{}

	creating singleflight.Group

	stop        chan struct{}
	done        chan struct{}
	persistDone chan struct{}
}

// New builds a Manager. It immediately starts a background task that
// watches the Enumerator's event stream and tears down the Worker for
// a disconnected device once its reconnect grace window elapses, plus
// a second background task persisting Worker-observed state changes
// into store. store may be nil, in which case nothing is persisted.
func New(enum *enumerator.Enumerator, opener transport.Opener, cfg worker.Config, bus *eventbus.Bus, log *memorywriter.MemoryWriter, store registry.Store) *Manager {
	m := &Manager{
		enum:            enum,
		opener:          opener,
		cfg:             cfg,
		bus:             bus,
		log:             log,
		store:           store,
		workers:         make(map[string]*worker.Worker),
		pendingTeardown: make(map[string]chan struct{}),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		persistDone:     make(chan struct{}),
	}
	go m.watchEnumerator()
	go m.persistLoop()
	return m
}

// persistLoop subscribes to the Event Bus like any other consumer and
// writes the device's last-seen time and current step into store on
// every connectivity or Features change, independent of whether any
// HTTP client is listening. It is the sole writer of registry records.
func (m *Manager) persistLoop() {
	defer close(m.persistDone)
	if m.store == nil {
		return
	}

	sub := m.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.persist(ev)
		}
	}
}

func (m *Manager) persist(ev eventbus.Event) {
	if ev.DeviceID == "" {
		return
	}
	switch ev.Kind {
	case eventbus.Connected, eventbus.Disconnected, eventbus.Reconnected, eventbus.FeaturesUpdated:
	default:
		return
	}

	rec, _, err := m.store.Get(ev.DeviceID)
	if err != nil {
		return
	}
	rec.DeviceID = ev.DeviceID
	rec.LastSeen = time.Now()
	rec.SetupStep = string(ev.Kind)
	if feat, ok := ev.Payload.(*wirecodec.Features); ok {
		rec.Label = feat.Label
	}
	_ = m.store.Put(rec)
}

func (m *Manager) watchEnumerator() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.enum.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case enumerator.Disconnected:
				m.scheduleTeardown(ev.Descriptor.DeviceID)
			case enumerator.Connected, enumerator.Reconnected:
				m.cancelTeardown(ev.Descriptor.DeviceID)
				m.mu.Lock()
				w, ok := m.workers[ev.Descriptor.DeviceID]
				m.mu.Unlock()
				if ok {
					w.UpdateDescriptor(ev.Descriptor)
				}
			}
			m.bus.Publish(eventbus.Event{Kind: eventbus.Kind(ev.Kind.String()), DeviceID: ev.Descriptor.DeviceID, Payload: ev.Descriptor})
		}
	}
}

// Close stops the background Enumerator watcher and every live
// Worker, draining each one.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
	<-m.persistDone

	m.mu.Lock()
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker.Worker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Shutdown()
	}
}

// GetOrCreateWorker is the sole Worker creation site. Concurrent calls
// for the same device_id collapse onto a single construction via
// singleflight, so two Workers for the same device can never be
// created by a race.
func (m *Manager) GetOrCreateWorker(deviceID string) (*worker.Worker, error) {
	m.mu.Lock()
	if w, ok := m.workers[deviceID]; ok {
		m.mu.Unlock()
		return w, nil
	}
	m.mu.Unlock()

	v, err, _ := m.creating.Do(deviceID, func() (interface{}, error) {
		m.mu.Lock()
		if w, ok := m.workers[deviceID]; ok {
			m.mu.Unlock()
			return w, nil
		}
		m.mu.Unlock()

		desc, err := m.describe(deviceID)
		if err != nil {
			return nil, err
		}

		w := worker.New(desc, m.opener, m.cfg, m.bus, m.log)
		w.Start()

		m.mu.Lock()
		m.workers[deviceID] = w
		m.mu.Unlock()

		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*worker.Worker), nil
}

func (m *Manager) describe(deviceID string) (transport.Descriptor, error) {
	for _, d := range m.enum.Snapshot() {
		if d.DeviceID == deviceID {
			return d, nil
		}
	}
	return transport.Descriptor{}, ErrNoSuchDevice
}

// Submit obtains (or creates) the Worker for device_id and enqueues
// the request; requests for the same device are served in submission
// order.
func (m *Manager) Submit(deviceID string, op opset.Op, args interface{}, deadline time.Time, cancel <-chan struct{}) (worker.Result, error) {
	w, err := m.GetOrCreateWorker(deviceID)
	if err != nil {
		return worker.Result{}, err
	}

	req := &worker.Request{
		RequestID: uuid.NewString(),
		DeviceID:  deviceID,
		Op:        op,
		Args:      args,
		Deadline:  deadline,
		Cancel:    cancel,
		Reply:     make(chan worker.Result, 1),
	}
	if err := w.Submit(req); err != nil {
		return worker.Result{}, err
	}
	return <-req.Reply, nil
}

// Shutdown stops the Worker for device_id, if any, and publishes the
// Disconnected event administrative shutdowns don't otherwise get
// from the Enumerator.
func (m *Manager) Shutdown(deviceID string) {
	m.shutdownNoWait(deviceID)
	m.bus.Publish(eventbus.Event{Kind: eventbus.Disconnected, DeviceID: deviceID})
}

// scheduleTeardown arms a timer that tears the Worker for deviceID
// down once the Enumerator's disconnect grace window elapses. A
// Connected or Reconnected for the same device_id arriving first
// cancels it via cancelTeardown, so a device that comes back within
// the grace window keeps its Worker, SessionState, and retained
// Transport instead of losing them to a teardown racing the reconnect.
func (m *Manager) scheduleTeardown(deviceID string) {
	m.mu.Lock()
	if _, exists := m.pendingTeardown[deviceID]; exists {
		m.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	m.pendingTeardown[deviceID] = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(m.enum.Grace())
		defer timer.Stop()
		select {
		case <-cancel:
			return
		case <-m.stop:
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if current, ok := m.pendingTeardown[deviceID]; !ok || current != cancel {
			m.mu.Unlock()
			return
		}
		delete(m.pendingTeardown, deviceID)
		m.mu.Unlock()

		m.shutdownNoWait(deviceID)
	}()
}

// cancelTeardown cancels a pending scheduleTeardown for deviceID, if
// any. Safe to call when none is pending.
func (m *Manager) cancelTeardown(deviceID string) {
	m.mu.Lock()
	cancel, ok := m.pendingTeardown[deviceID]
	if ok {
		delete(m.pendingTeardown, deviceID)
	}
	m.mu.Unlock()
	if ok {
		close(cancel)
	}
}

// shutdownNoWait removes deviceID's Worker from the map and tells it
// to stop, without waiting for the in-flight request (if any) to
// finish. It must never block: watchEnumerator is the single loop
// relaying every device's Connected/Disconnected/Reconnected onto the
// bus, and a Worker can be in the middle of a button-confirm or a
// firmware upload that takes minutes to finish draining.
func (m *Manager) shutdownNoWait(deviceID string) {
	m.cancelTeardown(deviceID)
	m.mu.Lock()
	w, ok := m.workers[deviceID]
	if ok {
		delete(m.workers, deviceID)
	}
	m.mu.Unlock()
	if ok {
		go w.Shutdown()
	}
}

// ListDevices returns a snapshot from the Enumerator.
func (m *Manager) ListDevices() []transport.Descriptor {
	return m.enum.Snapshot()
}

// WorkerStatus is a status-page snapshot of one live Worker: its
// Transport descriptor and last-known cached Features.
type WorkerStatus struct {
	Descriptor transport.Descriptor
	Features   *wirecodec.Features
}

// WorkerSnapshots returns one WorkerStatus per currently live Worker,
// for the status page's "Workers, their Transport state" panel.
func (m *Manager) WorkerSnapshots() []WorkerStatus {
	m.mu.Lock()
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		desc, feat := w.Snapshot()
		out = append(out, WorkerStatus{Descriptor: desc, Features: feat})
	}
	return out
}
