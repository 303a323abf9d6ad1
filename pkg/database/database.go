package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding registry snapshots
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	// SQLite allows a single writer
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{conn: conn, writeConn: writeConn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes both connections
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS Account (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		token TEXT,
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS Chatroom (
		name TEXT PRIMARY KEY,
		kind INTEGER NOT NULL,
		creator TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ChatroomMember (
		chatroom TEXT NOT NULL REFERENCES Chatroom(name) ON DELETE CASCADE,
		username TEXT NOT NULL,
		PRIMARY KEY (chatroom, username)
	);

	CREATE INDEX IF NOT EXISTS idx_member_username ON ChatroomMember(username);
	`
	_, err := db.writeConn.Exec(schema)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// LoadAccounts reads every stored account
func (db *DB) LoadAccounts() ([]*Account, error) {
	rows, err := db.conn.Query(`
		SELECT username, password_hash, token, last_activity, created_at
		FROM Account
		ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		var token sql.NullString
		if err := rows.Scan(&a.Username, &a.PasswordHash, &token, &a.LastActivity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Token = token.String
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// ReplaceAccounts overwrites the stored account set with accounts in one transaction
func (db *DB) ReplaceAccounts(accounts []*Account) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM Account"); err != nil {
		return fmt.Errorf("failed to clear accounts: %w", err)
	}

	const fieldsPerRow = 5
	err = batchInsert(tx, "INSERT INTO Account (username, password_hash, token, last_activity, created_at) VALUES ",
		fieldsPerRow, len(accounts), func(i int) []interface{} {
			a := accounts[i]
			var token interface{}
			if a.Token != "" {
				token = a.Token
			}
			return []interface{}{a.Username, a.PasswordHash, token, a.LastActivity, a.CreatedAt}
		})
	if err != nil {
		return fmt.Errorf("failed to insert accounts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadChatrooms reads every stored chatroom with its members
func (db *DB) LoadChatrooms() ([]*Chatroom, error) {
	rows, err := db.conn.Query(`SELECT name, kind, creator, created_at FROM Chatroom ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chatrooms: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*Chatroom)
	var rooms []*Chatroom
	for rows.Next() {
		room := &Chatroom{Members: make(map[string]struct{})}
		if err := rows.Scan(&room.Name, &room.Kind, &room.Creator, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chatroom: %w", err)
		}
		byName[room.Name] = room
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := db.conn.Query(`SELECT chatroom, username FROM ChatroomMember`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chatroom members: %w", err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var roomName, username string
		if err := memberRows.Scan(&roomName, &username); err != nil {
			return nil, fmt.Errorf("failed to scan chatroom member: %w", err)
		}
		if room, ok := byName[roomName]; ok {
			room.Members[username] = struct{}{}
		}
	}
	return rooms, memberRows.Err()
}

// ReplaceChatrooms overwrites the stored chatrooms and memberships in one transaction
func (db *DB) ReplaceChatrooms(rooms []*Chatroom) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM ChatroomMember"); err != nil {
		return fmt.Errorf("failed to clear chatroom members: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM Chatroom"); err != nil {
		return fmt.Errorf("failed to clear chatrooms: %w", err)
	}

	err = batchInsert(tx, "INSERT INTO Chatroom (name, kind, creator, created_at) VALUES ",
		4, len(rooms), func(i int) []interface{} {
			r := rooms[i]
			return []interface{}{r.Name, r.Kind, r.Creator, r.CreatedAt}
		})
	if err != nil {
		return fmt.Errorf("failed to insert chatrooms: %w", err)
	}

	type member struct{ room, user string }
	var members []member
	for _, r := range rooms {
		for _, u := range r.MemberList() {
			members = append(members, member{r.Name, u})
		}
	}
	err = batchInsert(tx, "INSERT INTO ChatroomMember (chatroom, username) VALUES ",
		2, len(members), func(i int) []interface{} {
			return []interface{}{members[i].room, members[i].user}
		})
	if err != nil {
		return fmt.Errorf("failed to insert chatroom members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// batchInsert executes multi-row INSERT statements of up to batchSize rows each
func batchInsert(tx *sql.Tx, prefix string, fieldsPerRow, n int, row func(i int) []interface{}) error {
	const batchSize = 500
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", fieldsPerRow), ", ") + ")"

	for i := 0; i < n; i += batchSize {
		end := i + batchSize
		if end > n {
			end = n
		}

		var query strings.Builder
		query.WriteString(prefix)
		args := make([]interface{}, 0, (end-i)*fieldsPerRow)
		for j := i; j < end; j++ {
			if j > i {
				query.WriteString(", ")
			}
			query.WriteString(placeholder)
			args = append(args, row(j)...)
		}

		if _, err := tx.Exec(query.String(), args...); err != nil {
			return err
		}
	}
	return nil
}
