package persistence

import "github.com/OvictorVieira/backbot-sub005/internal/models"

// StateRepository defines the durable store for per-(bot, symbol) trailing state.
// It abstracts the underlying storage mechanism (BadgerDB, Postgres)
// from the engine.
type StateRepository interface {
	// Get loads a single state. If no state is found, it returns (nil, nil).
	Get(botID, symbol string) (*models.TrailingState, error)

	// ListAll loads every stored state, used for recovery at startup.
	ListAll() ([]*models.TrailingState, error)

	// ListBySymbol loads the states of every bot holding the symbol.
	ListBySymbol(symbol string) ([]*models.TrailingState, error)

	// Upsert atomically writes the state together with its live stop order id.
	Upsert(botID, symbol string, state *models.TrailingState, activeOrderID string) error

	// Delete removes the state of one bot for one symbol.
	Delete(botID, symbol string) error

	// DeleteBySymbol removes the symbol's state for every bot and returns the count.
	DeleteBySymbol(symbol string) (int, error)

	// DeleteAll clears the store and returns the number of removed states.
	DeleteAll() (int, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// prepareForWrite returns the copy that is actually stored.
func prepareForWrite(botID, symbol string, state *models.TrailingState, activeOrderID string) *models.TrailingState {
	stored := state.Clone()
	stored.BotID = botID
	stored.Symbol = symbol
	stored.ActiveStopOrderID = activeOrderID
	return stored
}
