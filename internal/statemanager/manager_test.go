package statemanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"perp-signal-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	savedStates  []models.StrategyRuntimeState
	journal      []models.JournalEntry
	saveError    error
	saveDelay    time.Duration
	saveDoneChan chan bool // Signals each completed SaveState call
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		saveDoneChan: make(chan bool, 16),
	}
}

func (m *mockStateRepository) SaveState(state *models.StrategyRuntimeState) error {
	if m.saveDelay > 0 {
		time.Sleep(m.saveDelay)
	}
	m.Lock()
	m.savedStates = append(m.savedStates, *state)
	m.Unlock()

	m.saveDoneChan <- true
	return m.saveError
}

func (m *mockStateRepository) LoadState(symbol string) (*models.StrategyRuntimeState, error) {
	return nil, nil
}

func (m *mockStateRepository) AppendJournal(entry models.JournalEntry) error {
	m.Lock()
	defer m.Unlock()
	m.journal = append(m.journal, entry)
	return nil
}

func (m *mockStateRepository) LoadJournal(symbol string, limit int) ([]models.JournalEntry, error) {
	m.Lock()
	defer m.Unlock()
	return append([]models.JournalEntry(nil), m.journal...), nil
}

func (m *mockStateRepository) Close() error {
	return nil
}

func (m *mockStateRepository) getSavedState() *models.StrategyRuntimeState {
	m.Lock()
	defer m.Unlock()
	if len(m.savedStates) == 0 {
		return nil
	}
	last := m.savedStates[len(m.savedStates)-1]
	return &last
}

func (m *mockStateRepository) wasSaveCalled() bool {
	m.Lock()
	defer m.Unlock()
	return len(m.savedStates) > 0
}

func (m *mockStateRepository) journalEntries() []models.JournalEntry {
	m.Lock()
	defer m.Unlock()
	return append([]models.JournalEntry(nil), m.journal...)
}

func waitForSave(t *testing.T, repo *mockStateRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for state to be saved")
	}
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	initialState := models.NewRuntimeState("ETH-PERP")
	repo := newMockStateRepository()

	sm := NewStateManager(&initialState, repo, zap.NewNop())
	require.NotNil(t, sm, "StateManager should not be nil")

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot, "Initial state snapshot should not be nil")
	assert.Equal(t, "ETH-PERP", snapshot.Symbol)

	assert.NotNil(t, sm.eventChannel, "eventChannel should be created")
	assert.NotNil(t, sm.persistenceChan, "persistenceChan should be created")
	assert.NotNil(t, sm.stopChan, "stopChan should be created")
}

// TestTickCompletedEvent checks that a tick replaces the state and persists it.
func TestTickCompletedEvent(t *testing.T) {
	initialState := models.NewRuntimeState("ETH-PERP")
	repo := newMockStateRepository()

	sm := NewStateManager(&initialState, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	next := models.NewRuntimeState("ETH-PERP")
	next.CurrentSignal = models.SignalLong
	next.NeutralSignalCount = 1
	next.Targets = models.ProtectiveTargets{StopLoss: models.PriceOf(2997.4), TakeProfit: models.PriceOf(3042.7), Quantity: 0.01}
	sm.TickCompleted(next)

	waitForSave(t, repo)

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, models.SignalLong, snapshot.CurrentSignal)
	assert.Equal(t, 1, snapshot.NeutralSignalCount)

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.True(t, saved.Targets.StopLoss.Equal(models.PriceOf(2997.4)))
}

// TestSnapshotIsACopy verifies that callers cannot mutate the managed state.
func TestSnapshotIsACopy(t *testing.T) {
	initialState := models.NewRuntimeState("ETH-PERP")
	sm := NewStateManager(&initialState, nil, zap.NewNop())

	snapshot := sm.GetStateSnapshot()
	snapshot.ReverseSignalCount = 42

	assert.Equal(t, 0, sm.GetStateSnapshot().ReverseSignalCount)
}

// TestStateResetEvent tests the handling of a StateResetEvent.
func TestStateResetEvent(t *testing.T) {
	initialState := models.NewRuntimeState("ETH-PERP")
	repo := newMockStateRepository()

	sm := NewStateManager(&initialState, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	newState := models.NewRuntimeState("ETH-PERP")
	newState.CurrentSignal = models.SignalShort
	newState.ReverseSignalCount = 3

	sm.DispatchEvent(NormalizedEvent{
		Type:      StateResetEvent,
		Timestamp: time.Now(),
		Data:      &newState,
	})

	waitForSave(t, repo)

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, models.SignalShort, snapshot.CurrentSignal)
	assert.Equal(t, 3, snapshot.ReverseSignalCount)

	assert.True(t, repo.wasSaveCalled(), "SaveState should have been called after a state reset")
	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, models.SignalShort, saved.CurrentSignal)
}

// TestUnexpectedEventDataIsIgnored covers events carrying the wrong payload.
func TestUnexpectedEventDataIsIgnored(t *testing.T) {
	initialState := models.NewRuntimeState("ETH-PERP")
	repo := newMockStateRepository()

	sm := NewStateManager(&initialState, repo, zap.NewNop())
	sm.Start()

	sm.DispatchEvent(NormalizedEvent{Type: TickCompletedEvent, Data: "not a state"})
	sm.DispatchEvent(NormalizedEvent{Type: StateResetEvent, Data: 12})
	sm.DispatchEvent(NormalizedEvent{Type: JournalEvent, Data: nil})
	sm.Stop()

	assert.False(t, repo.wasSaveCalled())
	assert.Empty(t, repo.journalEntries())
	assert.Equal(t, models.SignalNeutral, sm.GetStateSnapshot().CurrentSignal)
}

// TestJournalEventIsAppended verifies journal entries reach the repository in order.
func TestJournalEventIsAppended(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(nil, repo, zap.NewNop())
	sm.Start()

	sm.RecordJournal(models.JournalEntry{ID: "1", Symbol: "ETH-PERP", Action: models.ActionOpen})
	sm.RecordJournal(models.JournalEntry{ID: "2", Symbol: "ETH-PERP", Action: models.ActionProtectiveUpdate})
	sm.Stop()

	entries := repo.journalEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionOpen, entries[0].Action)
	assert.Equal(t, models.ActionProtectiveUpdate, entries[1].Action)
	assert.Nil(t, sm.GetStateSnapshot())
}

// TestAsyncPersistence verifies that saving happens off the dispatching goroutine.
func TestAsyncPersistence(t *testing.T) {
	initialState := models.NewRuntimeState("ETH-PERP")
	repo := newMockStateRepository()
	repo.saveDelay = 50 * time.Millisecond

	sm := NewStateManager(&initialState, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	next := models.NewRuntimeState("ETH-PERP")
	next.CurrentSignal = models.SignalShort
	sm.TickCompleted(next)

	// The save is still sleeping, so it cannot have been recorded yet.
	assert.False(t, repo.wasSaveCalled(), "SaveState should not be called synchronously with TickCompleted")

	select {
	case <-repo.saveDoneChan:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async SaveState call")
	}

	assert.True(t, repo.wasSaveCalled(), "SaveState should have been called asynchronously")
	savedState := repo.getSavedState()
	require.NotNil(t, savedState)
	assert.Equal(t, models.SignalShort, savedState.CurrentSignal)
}

// TestStopFlushesPendingEvents verifies Stop drains everything queued before it.
func TestStopFlushesPendingEvents(t *testing.T) {
	initialState := models.NewRuntimeState("ETH-PERP")
	repo := newMockStateRepository()
	repo.saveError = errors.New("disk full")

	sm := NewStateManager(&initialState, repo, zap.NewNop())
	sm.Start()

	for i := 1; i <= 5; i++ {
		next := models.NewRuntimeState("ETH-PERP")
		next.NeutralSignalCount = i
		sm.TickCompleted(next)
	}
	sm.Stop()
	sm.Stop()

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, 5, saved.NeutralSignalCount)

	// Events after Stop are dropped without blocking.
	sm.TickCompleted(models.NewRuntimeState("ETH-PERP"))
	assert.Equal(t, 5, repo.getSavedState().NeutralSignalCount)
}
