package worker

import (
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/flow"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
)

// sessionState is the transient record of an in-flight multi-message
// flow. At most one lives on a Worker at a time; it is cleared to nil
// on every terminal outcome.
type sessionState struct {
	flow      flow.Flow
	accepted  map[opset.Op]bool
	pending   []*Request // requests whose reply is still owed once the flow reaches Terminal
	startedAt time.Time
}

func newSession(fl flow.Flow, accepted []opset.Op) *sessionState {
	m := make(map[opset.Op]bool, len(accepted)+1)
	for _, op := range accepted {
		m[op] = true
	}
	m[opset.OpCancelFlow] = true
	return &sessionState{flow: fl, accepted: m, startedAt: time.Now()}
}

func (s *sessionState) accepts(op opset.Op) bool {
	return s.accepted[op]
}
