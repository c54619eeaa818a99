package uploadguard

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "uploadguard_state"

// State holds the pending response for a request wrapped by Handler.
// Middleware and handlers record into it; Handler writes it once the chain returns.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
}

// HasState returns true if Handler state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// statusOf returns the status the recorded response will be written with.
func (s *State) statusOf() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err.Status
	}
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
