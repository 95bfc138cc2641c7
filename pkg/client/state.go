package client

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state: settings, and which transport
// and nickname worked against each server
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// LoginRecord is one login attempt as answered by the server
type LoginRecord struct {
	Address   string
	Nickname  string
	Accepted  bool
	Reply     string
	Attempted time.Time
}

// OpenState opens or creates the client state database
func OpenState(path string, logger *slog.Logger) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if err := upgradeSchema(db, logger, latestSchemaVersion()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &State{
		db:  db,
		dir: dir,
	}, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}

// GetConfig retrieves a configuration value, empty if unset
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastNickname returns the last nickname the server accepted
func (s *State) GetLastNickname() string {
	nickname, _ := s.GetConfig("last_nickname")
	return nickname
}

// SetLastNickname stores the last nickname the server accepted
func (s *State) SetLastNickname(nickname string) error {
	return s.SetConfig("last_nickname", nickname)
}

// GetLastSuccessfulTransport returns the transport that last connected to
// address, or empty when there is no history
func (s *State) GetLastSuccessfulTransport(address string) (string, error) {
	var transport string
	err := s.db.QueryRow(`
		SELECT last_transport
		FROM ConnectionHistory
		WHERE server_address = ?
	`, address).Scan(&transport)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return transport, err
}

// SaveSuccessfulConnection records a successful connect to address
func (s *State) SaveSuccessfulConnection(address, transport string) error {
	_, err := s.db.Exec(`
		INSERT INTO ConnectionHistory (server_address, last_transport, last_success_at, success_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (server_address) DO UPDATE SET
			last_transport = excluded.last_transport,
			last_success_at = excluded.last_success_at,
			success_count = success_count + 1
	`, address, transport, time.Now().Unix())
	return err
}

// ConnectionCount returns how many times address has been connected to
func (s *State) ConnectionCount(address string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT success_count FROM ConnectionHistory WHERE server_address = ?
	`, address).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// RecordLogin stores the server's answer to a login; accepted nicknames also
// become the last nickname
func (s *State) RecordLogin(address, nickname string, accepted bool, reply string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO LoginHistory (server_address, nickname, accepted, reply, attempted_at)
		VALUES (?, ?, ?, ?, ?)
	`, address, nickname, accepted, reply, time.Now().UnixMilli()); err != nil {
		return err
	}

	if accepted {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO Config (key, value) VALUES ('last_nickname', ?)
		`, nickname); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecentLogins returns up to limit login attempts against address, newest first
func (s *State) RecentLogins(address string, limit int) ([]LoginRecord, error) {
	rows, err := s.db.Query(`
		SELECT server_address, nickname, accepted, reply, attempted_at
		FROM LoginHistory
		WHERE server_address = ?
		ORDER BY attempted_at DESC, id DESC
		LIMIT ?
	`, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LoginRecord
	for rows.Next() {
		var r LoginRecord
		var attempted int64
		if err := rows.Scan(&r.Address, &r.Nickname, &r.Accepted, &r.Reply, &attempted); err != nil {
			return nil, err
		}
		r.Attempted = time.UnixMilli(attempted)
		records = append(records, r)
	}
	return records, rows.Err()
}
