package persistence

import (
	"bytes"
	"errors"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var trailingPrefix = []byte("trailing/")

// badgerRepository is the BadgerDB implementation of the StateRepository.
// Each state lives under its own key: trailing/<botID>/<symbol>.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens a BadgerDB database at dbPath.
// An empty path opens an in-memory database, which loses its data on Close.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is disabled to keep the engine's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func stateKey(botID, symbol string) []byte {
	return []byte(string(trailingPrefix) + models.StateKey(botID, symbol))
}

// Get loads one state. A missing key returns (nil, nil).
func (r *badgerRepository) Get(botID, symbol string) (*models.TrailingState, error) {
	var state *models.TrailingState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(botID, symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			state, decodeErr = decodeState(val)
			return decodeErr
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ListAll scans every state under the trailing prefix.
func (r *badgerRepository) ListAll() ([]*models.TrailingState, error) {
	return r.scan(func(*models.TrailingState) bool { return true })
}

// ListBySymbol scans and keeps the states whose symbol matches.
func (r *badgerRepository) ListBySymbol(symbol string) ([]*models.TrailingState, error) {
	return r.scan(func(s *models.TrailingState) bool { return s.Symbol == symbol })
}

func (r *badgerRepository) scan(keep func(*models.TrailingState) bool) ([]*models.TrailingState, error) {
	var states []*models.TrailingState

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(trailingPrefix); it.ValidForPrefix(trailingPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				state, err := decodeState(val)
				if err != nil {
					return err
				}
				if keep(state) {
					states = append(states, state)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Upsert atomically saves the state together with its active stop order id.
func (r *badgerRepository) Upsert(botID, symbol string, state *models.TrailingState, activeOrderID string) error {
	data, err := encodeState(prepareForWrite(botID, symbol, state, activeOrderID))
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(botID, symbol), data)
	})
}

// Delete removes one state. Deleting a missing key is not an error.
func (r *badgerRepository) Delete(botID, symbol string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(botID, symbol))
	})
}

// DeleteBySymbol removes the symbol's state for every bot.
func (r *badgerRepository) DeleteBySymbol(symbol string) (int, error) {
	suffix := []byte("/" + symbol)
	return r.deleteMatching(func(key []byte) bool { return bytes.HasSuffix(key, suffix) })
}

// DeleteAll clears every stored state.
func (r *badgerRepository) DeleteAll() (int, error) {
	return r.deleteMatching(func([]byte) bool { return true })
}

func (r *badgerRepository) deleteMatching(match func(key []byte) bool) (int, error) {
	var keys [][]byte

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(trailingPrefix); it.ValidForPrefix(trailingPrefix); it.Next() {
			if key := it.Item().KeyCopy(nil); match(key) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
