package store

import "fmt"

// OpenChat records a conversation as open, reopening it if it was closed.
func (db *DB) OpenChat(account, jid string, createdAt int64) error {
	_, err := db.Exec(`INSERT INTO chats (account, jid, created_at, closed) VALUES (?, ?, ?, 0)
			ON CONFLICT (account, jid) DO UPDATE SET closed = 0`,
		account, jid, createdAt)
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	return nil
}

// CloseChat marks a conversation closed. Its history stays.
func (db *DB) CloseChat(account, jid string) error {
	if _, err := db.Exec(`UPDATE chats SET closed = 1 WHERE account = ? AND jid = ?`, account, jid); err != nil {
		return fmt.Errorf("close chat: %w", err)
	}
	return nil
}

// Chats returns the open conversations of an account.
func (db *DB) Chats(account string) ([]Chat, error) {
	rows, err := db.Query(`SELECT account, jid, created_at, closed FROM chats WHERE account = ? AND closed = 0`,
		account)
	if err != nil {
		return nil, fmt.Errorf("chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.Account, &c.JID, &c.CreatedAt, &c.Closed); err != nil {
			return nil, fmt.Errorf("chat scan: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
