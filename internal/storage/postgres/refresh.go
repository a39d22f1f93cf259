package postgres

import (
	"context"
	"fmt"
)

func (db *DB) LatestRefreshTimestamp(ctx context.Context, characterID, eventType string) (int64, bool, error) {
	var ts *int64
	row := db.Pool.QueryRow(ctx,
		`SELECT MAX(ts) FROM events WHERE character_id = $1 AND event_type = $2`,
		characterID, eventType)
	if err := row.Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("scan latest refresh: %w", err)
	}
	if ts == nil {
		return 0, false, nil
	}
	return *ts, true, nil
}

func (db *DB) RefreshTimestamps(ctx context.Context, eventType string) (map[string]int64, error) {
	rows, err := db.Pool.Query(ctx, `
SELECT character_id, MAX(ts)
FROM events
WHERE event_type = $1
GROUP BY character_id`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan refresh timestamp: %w", err)
		}
		out[id] = ts
	}
	return out, rows.Err()
}
