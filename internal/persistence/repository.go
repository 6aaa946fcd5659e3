package persistence

import "perp-signal-bot-go/internal/models"

// StateRepository defines the interface for runtime state and journal persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically replaces the runtime state snapshot of state.Symbol.
	SaveState(state *models.StrategyRuntimeState) error

	// LoadState loads the runtime state of a symbol.
	// If no state is found, it should return (nil, nil).
	LoadState(symbol string) (*models.StrategyRuntimeState, error)

	// AppendJournal stores one order action. Entries are never rewritten.
	AppendJournal(entry models.JournalEntry) error

	// LoadJournal returns the most recent entries of a symbol in chronological order.
	// A non-positive limit returns everything.
	LoadJournal(symbol string, limit int) ([]models.JournalEntry, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
