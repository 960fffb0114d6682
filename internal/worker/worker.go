// Package worker implements the single-threaded per-device actor that
// owns one Transport, serializes every request for that device, and
// dispatches protocol flows (internal/flow) over it. One goroutine per
// device pulls from its own inbox channel and keeps the Transport open
// across commands instead of reopening it on every call.
package worker

import (
	"sync"
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/flow"
	"github.com/BitHighlander/keepkey-vault-v6/internal/memorywriter"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

// Config holds the per-Worker tunables.
type Config struct {
	InboxCapacity    int
	IdleTimeout      time.Duration
	RetrySchedule    []time.Duration
	DefaultOpTimeout time.Duration
}

// DefaultConfig returns the daemon's documented defaults.
func DefaultConfig() Config {
	return Config{
		InboxCapacity:    32,
		IdleTimeout:      120 * time.Second,
		RetrySchedule:    []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond},
		DefaultOpTimeout: 5 * time.Second,
	}
}

// Worker is the per-device actor.
type Worker struct {
	deviceID string
	opener   transport.Opener
	cfg      Config
	log      *memorywriter.MemoryWriter
	bus      *eventbus.Bus

	inbox    chan *Request
	shutdown chan struct{}
	stopped  chan struct{}
	once     sync.Once

	// Touched only by the run-loop goroutine; mu guards the few fields
	// (descriptor, features) a Snapshot call from another goroutine
	// may read concurrently.
	mu         sync.Mutex
	descriptor transport.Descriptor
	features   *wirecodec.Features

	tr                  transport.Transport
	session             *sessionState
	consecutiveTimeouts int
	fatal               bool
}

// New constructs a Worker for desc. It does not open a Transport;
// that happens lazily on the first dispatched request.
func New(desc transport.Descriptor, opener transport.Opener, cfg Config, bus *eventbus.Bus, log *memorywriter.MemoryWriter) *Worker {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 32
	}
	return &Worker{
		deviceID:   desc.DeviceID,
		descriptor: desc,
		opener:     opener,
		cfg:        cfg,
		log:        log,
		bus:        bus,
		inbox:      make(chan *Request, cfg.InboxCapacity),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// DeviceID returns the device this Worker serializes access to.
func (w *Worker) DeviceID() string { return w.deviceID }

// Start launches the run loop. Call once.
func (w *Worker) Start() { go w.run() }

// Submit enqueues req without blocking; it fails fast with a
// Queue{InboxFull} error when the bounded inbox (default 32) is
// saturated, rather than making the caller wait indefinitely.
func (w *Worker) Submit(req *Request) error {
	select {
	case <-w.stopped:
		return ErrWorkerStopped
	default:
	}

	if req.Reply == nil {
		req.Reply = newReply()
	}
	select {
	case w.inbox <- req:
		return nil
	default:
		return ErrInboxFull
	}
}

// Shutdown stops the Worker after draining. Safe to call more than
// once and from any goroutine.
func (w *Worker) Shutdown() {
	w.once.Do(func() { close(w.shutdown) })
	<-w.stopped
}

// Snapshot returns the Worker's current descriptor and cached
// features for status/debug surfaces; safe for concurrent use.
func (w *Worker) Snapshot() (transport.Descriptor, *wirecodec.Features) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.descriptor, w.features
}

// UpdateDescriptor is called by the Queue Manager when the Enumerator
// reports a Reconnected event carrying a fresh bus path for the same
// device_id.
func (w *Worker) UpdateDescriptor(desc transport.Descriptor) {
	w.mu.Lock()
	w.descriptor = desc
	w.mu.Unlock()
}

func (w *Worker) run() {
	defer close(w.stopped)
	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-w.shutdown:
			// Connected/Disconnected/Reconnected are published by the
			// Queue Manager relaying Enumerator notifications (it is
			// the only context that knows about a device before any
			// Worker for it exists); this Worker only adds the events
			// that originate from its own protocol activity.
			w.drain(transport.WrapError(transport.ErrDisconnected, nil))
			w.closeTransport()
			return

		case req := <-w.inbox:
			drainTimer(idle)
			w.handle(req)
			if w.fatal {
				w.drain(transport.WrapError(transport.ErrDisconnected, nil))
				w.closeTransport()
				w.publish(eventbus.Event{Kind: eventbus.AccessError, DeviceID: w.deviceID})
				return
			}
			idle.Reset(w.cfg.IdleTimeout)

		case <-idle.C:
			w.closeTransport() // idle timeout: drop, reopen lazily on next use
			idle.Reset(w.cfg.IdleTimeout)
		}
	}
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (w *Worker) drain(err error) {
	for {
		select {
		case req := <-w.inbox:
			req.reply(nil, err)
		default:
			return
		}
	}
}

func (w *Worker) handle(req *Request) {
	if req.cancelled() {
		req.reply(nil, &flow.Error{Kind: flow.ErrCancelled})
		return
	}

	if w.session != nil {
		if !w.session.accepts(req.Op) {
			req.reply(nil, &flow.Error{Kind: flow.ErrBusyInFlow})
			return
		}
		w.session.pending = append(w.session.pending, req)
		w.runFlow(w.session.flow, req)
		return
	}

	fl, err := flow.For(req.Op, req.Args)
	if err != nil {
		req.reply(nil, err)
		return
	}
	w.runFlow(fl, req)
}

func (w *Worker) runFlow(fl flow.Flow, triggering *Request) {
	fc := w.flowContext(triggering)
	outcome := fl.Step(fc, triggering.Op, triggering.Args)

	for _, ev := range outcome.Events {
		w.publish(ev)
	}

	if outcome.Awaiting {
		sess := newSession(fl, outcome.AcceptedOps)
		if w.session != nil {
			sess.pending = w.session.pending
		} else {
			sess.pending = []*Request{triggering}
		}
		w.session = sess
		return
	}

	// Terminal: resolve every request that has been waiting on this
	// flow, including the one that just triggered this step.
	pending := []*Request{triggering}
	if w.session != nil {
		pending = w.session.pending
	}
	w.session = nil

	for _, p := range pending {
		p.reply(outcome.Result, outcome.Err)
	}
}

func (w *Worker) publish(ev eventbus.Event) {
	if w.bus != nil {
		w.bus.Publish(ev)
	}
}

func (w *Worker) flowContext(req *Request) *flow.Context {
	return &flow.Context{
		DeviceID: w.deviceID,
		Call: func(msgType uint16, payload []byte, timeout time.Duration) (*wirecodec.Frame, error) {
			if timeout <= 0 {
				timeout = w.cfg.DefaultOpTimeout
			}
			return w.call(msgType, payload, timeout)
		},
		Features: func() *wirecodec.Features {
			w.mu.Lock()
			defer w.mu.Unlock()
			return w.features
		},
		SetFeatures: func(f *wirecodec.Features) {
			w.mu.Lock()
			w.features = f
			w.mu.Unlock()
			if f != nil {
				w.publish(eventbus.Event{Kind: eventbus.FeaturesUpdated, DeviceID: w.deviceID, Payload: f})
			}
		},
		Progress: w.publish,
	}
}

// call performs one Send+Recv round trip with the retry/backoff/
// rebind policy baked in, so every Flow just calls fc.Call and gets
// back either a clean Frame or a final error.
func (w *Worker) call(msgType uint16, payload []byte, timeout time.Duration) (*wirecodec.Frame, error) {
	attempt := 0
	rebindAttempted := false

	for {
		tr, err := w.ensureTransport()
		if err != nil {
			if w.rebindRequired(err) {
				w.fatal = true
			}
			return nil, err
		}

		if sendErr := tr.Send(msgType, payload); sendErr != nil {
			if w.rebindRequired(sendErr) && !rebindAttempted {
				rebindAttempted = true
				if rerr := w.rebind(); rerr != nil {
					return nil, rerr
				}
				continue
			}
			if attempt < len(w.cfg.RetrySchedule) {
				time.Sleep(w.cfg.RetrySchedule[attempt])
				attempt++
				continue
			}
			return nil, sendErr
		}

		frame, recvErr := tr.Recv(time.Now().Add(timeout))
		if recvErr == nil {
			w.consecutiveTimeouts = 0
			return frame, nil
		}

		if terr, ok := recvErr.(*transport.Error); ok && terr.Kind == transport.ErrTimeout {
			w.consecutiveTimeouts++
			if w.consecutiveTimeouts >= 2 && !rebindAttempted {
				rebindAttempted = true
				if rerr := w.rebind(); rerr != nil {
					return nil, rerr
				}
				w.consecutiveTimeouts = 0
				continue
			}
			return nil, recvErr
		}

		w.consecutiveTimeouts = 0
		if w.rebindRequired(recvErr) && !rebindAttempted {
			rebindAttempted = true
			if rerr := w.rebind(); rerr != nil {
				return nil, rerr
			}
			continue
		}
		if attempt < len(w.cfg.RetrySchedule) {
			time.Sleep(w.cfg.RetrySchedule[attempt])
			attempt++
			continue
		}
		return nil, recvErr
	}
}

func (w *Worker) rebindRequired(err error) bool {
	terr, ok := err.(*transport.Error)
	return ok && terr.RebindRequired
}

// ensureTransport returns the retained Transport if one is open, else
// opens a fresh one, retrying transient (non-rebind-required) Open
// failures with the configured backoff schedule. Open returns the same
// TransportError taxonomy as Send/Recv, so the same retry policy
// applies to it. A rebind-required failure (or one that survives every
// retry) is returned as-is; the caller decides whether that stops the
// Worker.
func (w *Worker) ensureTransport() (transport.Transport, error) {
	if w.tr != nil {
		return w.tr, nil
	}

	attempt := 0
	for {
		w.mu.Lock()
		desc := w.descriptor
		w.mu.Unlock()

		tr, err := w.opener.Open(desc)
		if err == nil {
			w.tr = tr
			w.fatal = false
			return tr, nil
		}

		if w.log != nil {
			w.log.Log("worker " + w.deviceID + ": open failed: " + err.Error())
		}

		if w.rebindRequired(err) || attempt >= len(w.cfg.RetrySchedule) {
			return nil, err
		}
		time.Sleep(w.cfg.RetrySchedule[attempt])
		attempt++
	}
}

// rebind discards the current Transport and makes one re-open attempt.
// Any failure here is fatal to the Worker, regardless of the failure's
// own rebind_required classification, because this re-open is the only
// attempt the Worker grants.
func (w *Worker) rebind() error {
	w.closeTransport()
	_, err := w.ensureTransport()
	if err != nil {
		w.fatal = true
	}
	return err
}

func (w *Worker) closeTransport() {
	if w.tr == nil {
		return
	}
	_ = w.tr.Close()
	w.tr = nil
}
