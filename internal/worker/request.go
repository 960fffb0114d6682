package worker

import (
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
)

// Request is the tagged record submitted to a Worker. Reply is
// single-use and buffered so the Worker's send never blocks on a
// caller that stopped listening.
type Request struct {
	RequestID string
	DeviceID  string
	Op        opset.Op
	Args      interface{}
	Deadline  time.Time
	Cancel    <-chan struct{}

	Reply chan Result
}

// Result is what a Request resolves to.
type Result struct {
	Value interface{}
	Err   error
}

func newReply() chan Result { return make(chan Result, 1) }

func (r *Request) reply(value interface{}, err error) {
	select {
	case r.Reply <- Result{Value: value, Err: err}:
	default:
		// Reply already fulfilled (can happen when a continuation
		// request and its originating request resolve together at
		// the same Terminal outcome); the first send wins.
	}
}

func (r *Request) cancelled() bool {
	if r.Cancel == nil {
		return false
	}
	select {
	case <-r.Cancel:
		return true
	default:
		return false
	}
}
