package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"perp-signal-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	return open(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository returns a repository that lives only for the lifetime of the process.
// Used by tests.
func NewInMemoryRepository() (StateRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (StateRepository, error) {
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func stateKey(symbol string) []byte {
	return []byte("state/" + symbol)
}

func journalPrefix(symbol string) []byte {
	return []byte("journal/" + symbol + "/")
}

// journalKey sorts lexicographically by time; the id keeps same-nanosecond entries apart.
func journalKey(entry models.JournalEntry) []byte {
	ts := entry.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return []byte(fmt.Sprintf("journal/%s/%020d-%s", entry.Symbol, ts.UnixNano(), entry.ID))
}

// SaveState marshals the state into JSON and saves it under the symbol's key.
func (r *badgerRepository) SaveState(state *models.StrategyRuntimeState) error {
	if state == nil {
		return errors.New("cannot save nil state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(state.Symbol), data)
	})
}

// LoadState loads the runtime state of a symbol.
// If the state key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState(symbol string) (*models.StrategyRuntimeState, error) {
	var state models.StrategyRuntimeState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(symbol))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// AppendJournal stores the entry under a time-ordered key.
func (r *badgerRepository) AppendJournal(entry models.JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(entry), data)
	})
}

// LoadJournal iterates the symbol's journal prefix backwards so that only the
// newest `limit` entries are decoded.
func (r *badgerRepository) LoadJournal(symbol string, limit int) ([]models.JournalEntry, error) {
	var entries []models.JournalEntry
	prefix := journalPrefix(symbol)

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must start just past the last key of the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry models.JournalEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
