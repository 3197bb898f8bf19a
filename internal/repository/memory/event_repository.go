package memory

import (
	"context"
	"sync"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
)

type eventKey struct {
	provider string
	eventID  string
}

type eventState struct {
	processed    bool
	processError string
}

type ProcessedEventRepository struct {
	mu     sync.Mutex
	events map[eventKey]*eventState
}

func NewProcessedEventRepository() *ProcessedEventRepository {
	return &ProcessedEventRepository{events: make(map[eventKey]*eventState)}
}

var _ interfaces.ProcessedEventStore = (*ProcessedEventRepository)(nil)

func (r *ProcessedEventRepository) Claim(_ context.Context, provider, eventID, _ string, _ []byte) (interfaces.ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := eventKey{provider, eventID}
	if st, ok := r.events[k]; ok {
		if st.processed {
			return interfaces.AlreadyProcessed, nil
		}
		return interfaces.InFlight, nil
	}
	r.events[k] = &eventState{}
	return interfaces.Claimed, nil
}

func (r *ProcessedEventRepository) MarkProcessed(_ context.Context, provider, eventID, processError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := eventKey{provider, eventID}
	st, ok := r.events[k]
	if !ok {
		st = &eventState{}
		r.events[k] = st
	}
	st.processed = true
	st.processError = processError
	return nil
}

func (r *ProcessedEventRepository) Release(_ context.Context, provider, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := eventKey{provider, eventID}
	if st, ok := r.events[k]; ok && !st.processed {
		delete(r.events, k)
	}
	return nil
}

// ProcessError returns the recorded apply error for an event, if any.
func (r *ProcessedEventRepository) ProcessError(provider, eventID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.events[eventKey{provider, eventID}]
	if !ok {
		return "", false
	}
	return st.processError, st.processed
}
