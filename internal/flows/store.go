package flows

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

type FlowStore interface {
	// ListActive returns the active flows of every account.
	ListActive(ctx context.Context) ([]models.ConversationFlow, error)
	List(ctx context.Context, accountID string) ([]models.ConversationFlow, error)
	Get(ctx context.Context, id string) (*models.ConversationFlow, error)
	// Save inserts or replaces a flow definition. Counters are left untouched on replace.
	Save(ctx context.Context, flow *models.ConversationFlow) error
	Delete(ctx context.Context, id string) error
	IncrementUsage(ctx context.Context, id string) error
	IncrementCompletion(ctx context.Context, id string) error
}

type StateStore interface {
	// GetState returns ErrNotFound when the user has never interacted with the account.
	GetState(ctx context.Context, accountID, userID string) (*models.FlowUserState, error)
	SaveState(ctx context.Context, state *models.FlowUserState) error
}

type Store interface {
	FlowStore
	StateStore
}

func flowNotFound(id string) error {
	return apperrors.ErrNotFound.WithMessage("flow not found").WithDetail("flow_id", id)
}

func sortFlows(flows []models.ConversationFlow) {
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority > flows[j].Priority
		}
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
}

func copyVariables(vars map[string]interface{}) map[string]interface{} {
	if vars == nil {
		return nil
	}
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// MemoryStore keeps flows and user state in process.
type MemoryStore struct {
	mu     sync.RWMutex
	flows  map[string]models.ConversationFlow
	states map[string]models.FlowUserState
}

func NewMemoryStore(flows ...models.ConversationFlow) *MemoryStore {
	s := &MemoryStore{
		flows:  make(map[string]models.ConversationFlow, len(flows)),
		states: make(map[string]models.FlowUserState),
	}
	for _, f := range flows {
		s.flows[f.ID] = f
	}
	return s
}

func stateKey(accountID, userID string) string {
	return accountID + ":" + userID
}

func (s *MemoryStore) filter(keep func(models.ConversationFlow) bool) []models.ConversationFlow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationFlow, 0, len(s.flows))
	for _, f := range s.flows {
		if keep(f) {
			out = append(out, f)
		}
	}
	sortFlows(out)
	return out
}

func (s *MemoryStore) ListActive(_ context.Context) ([]models.ConversationFlow, error) {
	return s.filter(func(f models.ConversationFlow) bool { return f.IsActive }), nil
}

func (s *MemoryStore) List(_ context.Context, accountID string) ([]models.ConversationFlow, error) {
	return s.filter(func(f models.ConversationFlow) bool { return accountID == "" || f.AccountID == accountID }), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.ConversationFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, flowNotFound(id)
	}
	return &f, nil
}

func (s *MemoryStore) Save(_ context.Context, flow *models.ConversationFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	if existing, ok := s.flows[flow.ID]; ok {
		flow.CreatedAt = existing.CreatedAt
		flow.UsageCount = existing.UsageCount
		flow.CompletionCount = existing.CompletionCount
	} else if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	s.flows[flow.ID] = *flow
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return flowNotFound(id)
	}
	delete(s.flows, id)
	return nil
}

func (s *MemoryStore) increment(id string, apply func(f *models.ConversationFlow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return flowNotFound(id)
	}
	apply(&f)
	s.flows[id] = f
	return nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, id string) error {
	return s.increment(id, func(f *models.ConversationFlow) { f.UsageCount++ })
}

func (s *MemoryStore) IncrementCompletion(_ context.Context, id string) error {
	return s.increment(id, func(f *models.ConversationFlow) { f.CompletionCount++ })
}

func (s *MemoryStore) GetState(_ context.Context, accountID, userID string) (*models.FlowUserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[stateKey(accountID, userID)]
	if !ok {
		return nil, apperrors.ErrNotFound.WithMessage("flow user state not found").WithDetail("user_id", userID)
	}
	st.ContextVariables = copyVariables(st.ContextVariables)
	return &st, nil
}

func (s *MemoryStore) SaveState(_ context.Context, state *models.FlowUserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *state
	st.ContextVariables = copyVariables(state.ContextVariables)
	st.UpdatedAt = time.Now().UTC()
	s.states[stateKey(state.AccountID, state.ChannelUserID)] = st
	return nil
}

var _ Store = (*MemoryStore)(nil)
