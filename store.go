package invocation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InvocationStore persists invocations and their step records. Reads hand
// back copies so monitor passes always act on freshly loaded state, never on
// a snapshot another goroutine may be mutating.
type InvocationStore interface {
	// SaveInvocation persists the full invocation, step records included.
	SaveInvocation(ctx context.Context, inv *Invocation) error

	// GetInvocation loads an invocation by id.
	GetInvocation(ctx context.Context, id string) (*Invocation, error)

	// SetStepAction records a reviewer decision on one step. The write
	// merges into the stored document instead of replacing it, so a
	// decision cannot be lost to a scheduling pass saving an older copy.
	SetStepAction(ctx context.Context, invocationID, stepID string, action bool) error

	// ActiveInvocationIDs returns ids of invocations in an active state
	// owned by the given handler and scheduler, ordered by id.
	ActiveInvocationIDs(ctx context.Context, handlerID, schedulerID string) ([]string, error)

	// DeleteInvocation removes an invocation.
	DeleteInvocation(ctx context.Context, id string) error
}

// ErrInvocationNotFound is returned by stores for unknown invocation ids.
var ErrInvocationNotFound = NewValidationError("invocation not found")

// MemoryInvocationStore implements InvocationStore in process memory.
type MemoryInvocationStore struct {
	mutex       sync.RWMutex
	invocations map[string]*Invocation
}

// NewMemoryInvocationStore creates a new in-memory invocation store.
func NewMemoryInvocationStore() *MemoryInvocationStore {
	return &MemoryInvocationStore{invocations: map[string]*Invocation{}}
}

func (s *MemoryInvocationStore) SaveInvocation(ctx context.Context, inv *Invocation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	saved := inv.Copy()
	saved.MergeStepActions(s.invocations[inv.ID])
	s.invocations[inv.ID] = saved
	return nil
}

func (s *MemoryInvocationStore) SetStepAction(ctx context.Context, invocationID, stepID string, action bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	inv, ok := s.invocations[invocationID]
	if !ok {
		return ErrInvocationNotFound
	}
	setRecordAction(inv, stepID, action)
	return nil
}

func (s *MemoryInvocationStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	inv, ok := s.invocations[id]
	if !ok {
		return nil, ErrInvocationNotFound
	}
	return inv.Copy(), nil
}

func (s *MemoryInvocationStore) ActiveInvocationIDs(ctx context.Context, handlerID, schedulerID string) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var ids []string
	for id, inv := range s.invocations {
		if !inv.Active() {
			continue
		}
		if handlerID != "" && inv.HandlerID != handlerID {
			continue
		}
		if schedulerID != "" && inv.SchedulerID != schedulerID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryInvocationStore) DeleteInvocation(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.invocations, id)
	return nil
}

// setRecordAction installs a reviewer action on a loaded invocation,
// creating the step record if the step has not been scheduled yet.
func setRecordAction(inv *Invocation, stepID string, action bool) {
	if inv.Steps == nil {
		inv.Steps = map[string]*StepInvocationRecord{}
	}
	record, ok := inv.Steps[stepID]
	if !ok {
		record = &StepInvocationRecord{StepID: stepID}
		inv.Steps[stepID] = record
	}
	record.Action = &action
	record.UpdatedAt = time.Now()
	inv.UpdatedAt = record.UpdatedAt
}
