package persistence

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSQLRepository(t *testing.T) (*sqlRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLRepository(db), mock
}

func TestSQLUpsert(t *testing.T) {
	repo, mock := newMockSQLRepository(t)
	state := sampleState("bot-1", "BTCUSDT")

	mock.ExpectExec(regexp.QuoteMeta(upsertStateSQL)).
		WithArgs("bot-1", "BTCUSDT", CurrentSchemaVersion, "TRAILING", 108.35, "order-7", sqlmock.AnyArg(), state.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert("bot-1", "BTCUSDT", state, "order-7"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLGetRoundTrip feeds back the payload an upsert would have written.
func TestSQLGetRoundTrip(t *testing.T) {
	repo, mock := newMockSQLRepository(t)
	stored := prepareForWrite("bot-1", "BTCUSDT", sampleState("bot-1", "BTCUSDT"), "order-7")
	payload, err := encodeState(stored)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(selectStateSQL)).
		WithArgs("bot-1", "BTCUSDT").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(payload))

	loaded, err := repo.Get("bot-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, stored, loaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetMissing(t *testing.T) {
	repo, mock := newMockSQLRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectStateSQL)).
		WithArgs("bot-1", "ETHUSDT").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	loaded, err := repo.Get("bot-1", "ETHUSDT")
	assert.NoError(t, err)
	assert.Nil(t, loaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLListBySymbol(t *testing.T) {
	repo, mock := newMockSQLRepository(t)
	a, _ := encodeState(sampleState("bot-1", "ETHUSDT"))
	b, _ := encodeState(sampleState("bot-2", "ETHUSDT"))

	mock.ExpectQuery(regexp.QuoteMeta(selectSymbolStatesSQL)).
		WithArgs("ETHUSDT").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(a).AddRow(b))

	states, err := repo.ListBySymbol("ETHUSDT")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "bot-2", states[1].BotID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDeletes(t *testing.T) {
	repo, mock := newMockSQLRepository(t)

	mock.ExpectExec(regexp.QuoteMeta(deleteSymbolStatesSQL)).
		WithArgs("ETHUSDT").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(deleteAllStatesSQL)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(regexp.QuoteMeta(deleteStateSQL)).
		WithArgs("bot-1", "BTCUSDT").
		WillReturnError(errors.New("connection lost"))

	n, err := repo.DeleteBySymbol("ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.DeleteAll()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Error(t, repo.Delete("bot-1", "BTCUSDT"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
