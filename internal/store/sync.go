package store

import "fmt"

// InsertSyncPeriod records a new archive-fetch window.
func (db *DB) InsertSyncPeriod(p *SyncPeriod) error {
	_, err := db.Exec(`INSERT INTO sync_periods (id, account, component, from_ts, to_ts, after, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, 0), NULLIF(?, ''), ?)`,
		p.ID, p.Account, p.Component, p.From, p.To, p.After, p.From)
	if err != nil {
		return fmt.Errorf("insert sync period: %w", err)
	}
	return nil
}

// SyncPeriods returns the pending fetch windows for an account archive,
// oldest first.
func (db *DB) SyncPeriods(account, component string) ([]SyncPeriod, error) {
	rows, err := db.Query(`SELECT id, account, COALESCE(component, ''), from_ts, COALESCE(to_ts, 0), COALESCE(after, '')
			FROM sync_periods
			WHERE account = ? AND COALESCE(component, '') = ?
			ORDER BY from_ts ASC`,
		account, component)
	if err != nil {
		return nil, fmt.Errorf("sync periods: %w", err)
	}
	defer rows.Close()

	var periods []SyncPeriod
	for rows.Next() {
		var p SyncPeriod
		if err := rows.Scan(&p.ID, &p.Account, &p.Component, &p.From, &p.To, &p.After); err != nil {
			return nil, fmt.Errorf("sync period scan: %w", err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// UpdateSyncPeriodAfter advances the resumption cursor of a fetch window.
func (db *DB) UpdateSyncPeriodAfter(id, after string) error {
	if _, err := db.Exec(`UPDATE sync_periods SET after = NULLIF(?, '') WHERE id = ?`, after, id); err != nil {
		return fmt.Errorf("update sync period: %w", err)
	}
	return nil
}

// DeleteSyncPeriod removes a completed fetch window.
func (db *DB) DeleteSyncPeriod(id string) error {
	if _, err := db.Exec(`DELETE FROM sync_periods WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete sync period: %w", err)
	}
	return nil
}

// DeleteSyncPeriods drops every pending window of an account, used when
// automatic synchronization is disabled.
func (db *DB) DeleteSyncPeriods(account string) error {
	if _, err := db.Exec(`DELETE FROM sync_periods WHERE account = ?`, account); err != nil {
		return fmt.Errorf("delete sync periods: %w", err)
	}
	return nil
}
