package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestGetObserverCursor_MissingIsEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()

	mock.ExpectQuery("SELECT cursor FROM custodia.observer_cursors").
		WithArgs("payments:GBNEW").
		WillReturnRows(sqlmock.NewRows([]string{"cursor"}))

	cursor, err := ds.GetObserverCursor(ctx, "payments:GBNEW")
	assert.NoError(t, err)
	assert.Equal(t, "", cursor)
}

func TestGetObserverCursorNames(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()

	mock.ExpectQuery("SELECT name FROM custodia.observer_cursors").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("payments:GBACC").
			AddRow("payments:GBOTHER"))

	names, err := ds.GetObserverCursorNames(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"payments:GBACC", "payments:GBOTHER"}, names)
}
