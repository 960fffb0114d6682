package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

// MockReply is one scripted exchange: the type/payload a mock transport
// returns from Recv after a matching Send.
type MockReply struct {
	Type    uint16
	Payload []byte
	// Err, if set, is returned from Recv instead of a reply.
	Err error
	// Latency simulates device processing time before the reply is ready.
	Latency time.Duration
}

// MockOpener is a test double for Opener that counts every Open/Close
// pair, letting tests assert the "single transport per device"
// invariant without real hardware.
type MockOpener struct {
	mu sync.Mutex

	opens  int64
	closes int64

	// ErrOnOpenAt, if non-zero, fails the Nth Open call (1-indexed) with
	// the given error, then succeeds on every other call.
	ErrOnOpenAt int
	OpenErr     error

	// NewScript is called once per successful Open; the mock transport
	// it hands out consumes those replies in order, one per Recv.
	NewScript func() []MockReply
}

func NewMockOpener(script func() []MockReply) *MockOpener {
	return &MockOpener{NewScript: script}
}

func (o *MockOpener) OpenCount() int  { return int(atomic.LoadInt64(&o.opens)) }
func (o *MockOpener) CloseCount() int { return int(atomic.LoadInt64(&o.closes)) }

func (o *MockOpener) Open(desc Descriptor) (Transport, error) {
	n := atomic.AddInt64(&o.opens, 1)
	if o.ErrOnOpenAt != 0 && int(n) == o.ErrOnOpenAt {
		return nil, o.OpenErr
	}

	var script []MockReply
	if o.NewScript != nil {
		script = o.NewScript()
	}
	return &MockTransport{opener: o, script: script}, nil
}

// MockTransport is an in-memory Transport driven entirely by a script
// of replies, used across the worker/queue/flow test suites.
type MockTransport struct {
	mu     sync.Mutex
	opener *MockOpener
	script []MockReply
	cursor int
	closed bool
}

func (t *MockTransport) Send(msgType uint16, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return WrapError(ErrDisconnected, nil)
	}
	return nil
}

func (t *MockTransport) Recv(deadline time.Time) (*wirecodec.Frame, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, WrapError(ErrDisconnected, nil)
	}
	if t.cursor >= len(t.script) {
		t.mu.Unlock()
		return nil, WrapError(ErrTimeout, nil)
	}
	reply := t.script[t.cursor]
	t.cursor++
	t.mu.Unlock()

	if reply.Latency > 0 {
		if !deadline.IsZero() && time.Now().Add(reply.Latency).After(deadline) {
			time.Sleep(time.Until(deadline))
			return nil, WrapError(ErrTimeout, nil)
		}
		time.Sleep(reply.Latency)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &wirecodec.Frame{Type: reply.Type, Payload: reply.Payload}, nil
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.opener != nil {
		atomic.AddInt64(&t.opener.closes, 1)
	}
	return nil
}
