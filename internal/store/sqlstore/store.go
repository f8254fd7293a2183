package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/AmirhsFar/Chat-Service/internal/store"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// credentialRow is the fixed primary key of the single credential row.
const credentialRow = 1

type SQLStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadToken() (string, error) {
	var token string
	err := s.db.QueryRow("SELECT token FROM credentials WHERE id = ?", credentialRow).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *SQLStore) SaveToken(token string) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (id, token, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`, credentialRow, token)
	return err
}

func (s *SQLStore) ClearToken() error {
	_, err := s.db.Exec("DELETE FROM credentials WHERE id = ?", credentialRow)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
