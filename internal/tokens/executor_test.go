package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estacao/internal/types"
)

// memoryStore is an in-memory SessionStore with the same first-writer-wins
// write semantics as the real repository.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	advanced map[string]types.SessionStatus
	saveErr  error
	getErr   error
}

func newMemoryStore(sessions ...*types.Session) *memoryStore {
	m := &memoryStore{
		sessions: make(map[string]*types.Session),
		advanced: make(map[string]types.SessionStatus),
	}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
}

func (m *memoryStore) GetSession(_ context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodePersistenceNotFound, "session not found", nil)
	}
	copied := *s
	return &copied, nil
}

func (m *memoryStore) HasCredentials(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, types.NewAppError(types.ErrCodePersistenceNotFound, "session not found", nil)
	}
	return s.HasCredentials(), nil
}

func (m *memoryStore) SaveCredentials(_ context.Context, id string, creds types.CredentialPair) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return false, m.saveErr
	}
	s, ok := m.sessions[id]
	if !ok || s.HasCredentials() {
		return false, nil
	}
	s.Channel = creds.Channel
	s.PatientToken = &creds.PatientToken
	s.PsychologistToken = &creds.PsychologistToken
	return true, nil
}

func (m *memoryStore) AdvanceStatus(_ context.Context, id string, target types.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanced[id] = target
	if s, ok := m.sessions[id]; ok && s.Status.Rank() < target.Rank() {
		s.Status = target
	}
	return nil
}

// countingMinter counts mints and returns distinct tokens per call.
type countingMinter struct {
	mu    sync.Mutex
	count int
	err   error
}

func (c *countingMinter) Mint(_ context.Context, sessionID string) (types.CredentialPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return types.CredentialPair{}, c.err
	}
	c.count++
	return types.CredentialPair{
		Channel:           "sala_" + sessionID,
		PatientToken:      "pat_token",
		PsychologistToken: "psy_token",
	}, nil
}

func scheduledSession(id string) *types.Session {
	return &types.Session{ID: id, Status: types.StatusScheduled}
}

func TestExecutor_GeneratesAndAdvancesStatus(t *testing.T) {
	store := newMemoryStore(scheduledSession("sess_1"))
	minter := &countingMinter{}
	e := NewExecutor(store, minter, nil)

	require.NoError(t, e.Generate(context.Background(), "sess_1"))

	assert.Equal(t, 1, minter.count)
	s := store.sessions["sess_1"]
	assert.True(t, s.HasCredentials())
	assert.Equal(t, "sala_sess_1", s.Channel)
	assert.Equal(t, types.StatusInProgress, s.Status)
}

func TestExecutor_SecondInvocationIsNoOp(t *testing.T) {
	store := newMemoryStore(scheduledSession("sess_1"))
	minter := &countingMinter{}
	e := NewExecutor(store, minter, nil)

	require.NoError(t, e.Generate(context.Background(), "sess_1"))
	require.NoError(t, e.Generate(context.Background(), "sess_1"))

	assert.Equal(t, 1, minter.count, "second invocation must not mint again")
}

func TestExecutor_ConcurrentInvocationsConverge(t *testing.T) {
	store := newMemoryStore(scheduledSession("sess_1"))
	minter := &countingMinter{}
	e := NewExecutor(store, minter, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Generate(context.Background(), "sess_1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "invocation %d", i)
	}
	assert.True(t, store.sessions["sess_1"].HasCredentials())
	assert.Equal(t, "pat_token", *store.sessions["sess_1"].PatientToken)
}

// raceyStore simulates another invocation writing credentials between this
// invocation's check and its write.
type raceyStore struct {
	*memoryStore
}

func (r *raceyStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s, err := r.memoryStore.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	// Report the pre-race view: no credentials yet.
	s.PatientToken = nil
	s.PsychologistToken = nil
	return s, nil
}

func TestExecutor_LostWriteRaceIsSuccess(t *testing.T) {
	s := scheduledSession("sess_1")
	pat, psy := "existing_pat", "existing_psy"
	s.PatientToken = &pat
	s.PsychologistToken = &psy
	store := &raceyStore{memoryStore: newMemoryStore(s)}
	minter := &countingMinter{}
	e := NewExecutor(store, minter, nil)

	require.NoError(t, e.Generate(context.Background(), "sess_1"), "losing the write race is not an error")
	assert.Equal(t, 1, minter.count, "the loser minted, then discarded")
	assert.Equal(t, "existing_pat", *store.sessions["sess_1"].PatientToken, "winner's credentials survive")
	assert.Empty(t, store.advanced, "loser must not advance status")
}

func TestExecutor_ClosedSessionIsNoOp(t *testing.T) {
	s := scheduledSession("sess_1")
	s.Status = types.StatusCanceled
	store := newMemoryStore(s)
	minter := &countingMinter{}
	e := NewExecutor(store, minter, nil)

	require.NoError(t, e.Generate(context.Background(), "sess_1"))
	assert.Equal(t, 0, minter.count)
}

func TestExecutor_MintFailurePropagates(t *testing.T) {
	store := newMemoryStore(scheduledSession("sess_1"))
	minter := &countingMinter{err: errors.New("vendor unavailable")}
	e := NewExecutor(store, minter, nil)

	err := e.Generate(context.Background(), "sess_1")
	require.Error(t, err)
	assert.False(t, store.sessions["sess_1"].HasCredentials())
}

func TestExecutor_UnknownSessionIsError(t *testing.T) {
	e := NewExecutor(newMemoryStore(), &countingMinter{}, nil)

	err := e.Generate(context.Background(), "sess_missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodePersistenceNotFound, types.CodeOf(err))
}

func TestExecutor_GenerateBool(t *testing.T) {
	store := newMemoryStore(scheduledSession("sess_1"))
	e := NewExecutor(store, &countingMinter{}, nil)

	assert.True(t, e.GenerateBool(context.Background(), "sess_1"))
	assert.False(t, e.GenerateBool(context.Background(), "sess_missing"))
}
