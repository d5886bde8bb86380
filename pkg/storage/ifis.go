package storage

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// The DO UPDATE arm is deliberate: DO NOTHING suppresses RETURNING on
// conflict, so the no-op overwrite keeps this a single round trip.
const upsertIFISQL = `
INSERT INTO ifis (kind, value) VALUES (?, ?)
ON CONFLICT (kind, value) DO UPDATE SET value = EXCLUDED.value
RETURNING id`

// ifiID finds or creates the row for one normalized IFI.
func (s *Store) ifiID(ctx context.Context, tx *sqlx.Tx, ifi xapi.IFI) (int64, error) {
	var id int64
	if err := tx.QueryRowxContext(ctx, tx.Rebind(upsertIFISQL), int16(ifi.Kind), ifi.Value).Scan(&id); err != nil {
		return 0, dbErr(err, "upserting ifi")
	}
	return id, nil
}
