package database

import (
	"context"
	"database/sql"

	"github.com/anchorstack/custodia/internal/apierror"
)

// SaveObserverCursor upserts the last-processed ledger position for a named
// observer stream.
func (d Datasource) SaveObserverCursor(ctx context.Context, name, cursor string) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO custodia.observer_cursors (name, cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()
	`, name, cursor)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save observer cursor", err)
	}
	return nil
}

// GetObserverCursorNames lists every persisted observer stream name. The
// observer uses it to restore its tracked-account set after a restart.
func (d Datasource) GetObserverCursorNames(ctx context.Context) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT name FROM custodia.observer_cursors ORDER BY name ASC
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list observer cursors", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan observer cursor name", err)
		}
		names = append(names, name)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over observer cursor names", err)
	}
	return names, nil
}

// GetObserverCursor loads the persisted cursor for a named observer stream.
// An empty cursor means the stream starts from now.
func (d Datasource) GetObserverCursor(ctx context.Context, name string) (string, error) {
	var cursor string
	err := d.Conn.QueryRowContext(ctx, `
		SELECT cursor FROM custodia.observer_cursors WHERE name = $1
	`, name).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to load observer cursor", err)
	}
	return cursor, nil
}
