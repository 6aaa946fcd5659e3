package statemanager

import (
	"sync"
	"time"

	"perp-signal-bot-go/internal/models"
	"perp-signal-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	// TickCompletedEvent carries the runtime state returned by a reconcile or monitor tick.
	TickCompletedEvent EventType = iota
	// JournalEvent carries one order action recorded by the reconciler.
	JournalEvent
	// StateResetEvent replaces the state wholesale, e.g. after a restore.
	StateResetEvent
)

func (t EventType) String() string {
	switch t {
	case TickCompletedEvent:
		return "TickCompleted"
	case JournalEvent:
		return "Journal"
	case StateResetEvent:
		return "StateReset"
	default:
		return "Unknown"
	}
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// persistRequest holds exactly one of a state snapshot or a journal entry.
type persistRequest struct {
	state *models.StrategyRuntimeState
	entry *models.JournalEntry
}

// StateManager owns the persisted copy of the runtime state.
// Events are applied serially by one goroutine and written to the repository
// by another, so the trading loop never waits on disk.
type StateManager struct {
	mutex sync.RWMutex
	state *models.StrategyRuntimeState

	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan persistRequest
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.StrategyRuntimeState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan persistRequest, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop applies every queued event, flushes pending writes and then returns.
// It is safe to call more than once.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
// Events dispatched after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("StateManager stopped, dropping %s event.", event.Type)
		return
	default:
	}

	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("StateManager stopped, dropping %s event.", event.Type)
	}
}

// TickCompleted records the state produced by a tick.
func (sm *StateManager) TickCompleted(state models.StrategyRuntimeState) {
	sm.DispatchEvent(NormalizedEvent{Type: TickCompletedEvent, Timestamp: time.Now(), Data: state})
}

// RecordJournal records an order action.
func (sm *StateManager) RecordJournal(entry models.JournalEntry) {
	sm.DispatchEvent(NormalizedEvent{Type: JournalEvent, Timestamp: time.Now(), Data: entry})
}

// GetStateSnapshot returns a copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.StrategyRuntimeState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.copyState()
}

// copyState must be called with the mutex held. The runtime state holds no
// references, so a value copy is a deep copy.
func (sm *StateManager) copyState() *models.StrategyRuntimeState {
	if sm.state == nil {
		return nil
	}
	stateCopy := *sm.state
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	// Closing the persistence channel lets the persistence loop flush and exit.
	defer close(sm.persistenceChan)

	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of snapshots and journal entries.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()

	for req := range sm.persistenceChan {
		if sm.repo == nil {
			continue
		}
		switch {
		case req.state != nil:
			if err := sm.repo.SaveState(req.state); err != nil {
				sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
			}
		case req.entry != nil:
			if err := sm.repo.AppendJournal(*req.entry); err != nil {
				sm.logger.Sugar().Errorf("CRITICAL: Failed to append journal entry %s: %v", req.entry.ID, err)
			}
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case TickCompletedEvent:
		state, ok := event.Data.(models.StrategyRuntimeState)
		if !ok {
			sm.logger.Sugar().Warnf("Received TickCompletedEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.replaceState(&state)
	case StateResetEvent:
		state, ok := event.Data.(*models.StrategyRuntimeState)
		if !ok || state == nil {
			sm.logger.Sugar().Warnf("Received StateResetEvent with unexpected data type: %T", event.Data)
			return
		}
		stateCopy := *state
		sm.replaceState(&stateCopy)
		sm.logger.Sugar().Info("State has been reset.")
	case JournalEvent:
		entry, ok := event.Data.(models.JournalEntry)
		if !ok {
			sm.logger.Sugar().Warnf("Received JournalEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.persistenceChan <- persistRequest{entry: &entry}
	default:
		sm.logger.Sugar().Warnf("Received unknown event type: %d", event.Type)
	}
}

func (sm *StateManager) replaceState(state *models.StrategyRuntimeState) {
	sm.mutex.Lock()
	sm.state = state
	snapshot := sm.copyState()
	sm.mutex.Unlock()

	sm.persistenceChan <- persistRequest{state: snapshot}
}
