package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atat/gateway/internal/protocol"

	_ "github.com/mattn/go-sqlite3"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Fixed width so at_utc sorts and compares as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

// Filter narrows ListCalls. Zero values match everything.
type Filter struct {
	Command string
	Success *bool
	Limit   int
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS engine_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_utc TEXT NOT NULL,
	command TEXT NOT NULL,
	data_json TEXT,
	code INTEGER NOT NULL,
	success INTEGER NOT NULL,
	error TEXT,
	duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_engine_calls_at ON engine_calls(at_utc, id);
CREATE INDEX IF NOT EXISTS idx_engine_calls_command_at ON engine_calls(command, at_utc, id);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) InsertCall(rec protocol.CallRecord) error {
	var dataJSON string
	if len(rec.Data) > 0 {
		data, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("marshal call data: %w", err)
		}
		dataJSON = string(data)
	}

	_, err := s.db.Exec(`
INSERT INTO engine_calls (at_utc, command, data_json, code, success, error, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		rec.At.UTC().Format(timeLayout),
		rec.Command,
		dataJSON,
		rec.Code,
		boolToInt(rec.Success),
		rec.Error,
		rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// ListCalls returns the most recent calls matching f, oldest first.
func (s *Store) ListCalls(f Filter) ([]protocol.CallRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := `SELECT at_utc, command, data_json, code, success, error, duration_ms FROM engine_calls`
	args := make([]any, 0, 3)
	where := ""
	if f.Command != "" {
		where += " command = ?"
		args = append(args, f.Command)
	}
	if f.Success != nil {
		if where != "" {
			where += " AND"
		}
		where += " success = ?"
		args = append(args, boolToInt(*f.Success))
	}
	if where != "" {
		query += " WHERE" + where
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]protocol.CallRecord, 0, limit)
	for rows.Next() {
		var atUTC string
		var command string
		var dataJSON sql.NullString
		var code int
		var success int
		var errText sql.NullString
		var durationMs int64
		if err := rows.Scan(&atUTC, &command, &dataJSON, &code, &success, &errText, &durationMs); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		at, err := time.Parse(timeLayout, atUTC)
		if err != nil {
			return nil, fmt.Errorf("parse call time %q: %w", atUTC, err)
		}
		rec := protocol.CallRecord{
			At:         at,
			Command:    command,
			Code:       code,
			Success:    success == 1,
			DurationMs: durationMs,
		}
		if errText.Valid {
			rec.Error = errText.String
		}
		if dataJSON.Valid && dataJSON.String != "" {
			data := map[string]interface{}{}
			if err := json.Unmarshal([]byte(dataJSON.String), &data); err == nil {
				rec.Data = data
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}

	for left, right := 0, len(out)-1; left < right; left, right = left+1, right-1 {
		out[left], out[right] = out[right], out[left]
	}

	return out, nil
}

// Prune deletes calls recorded before cutoff and reports how many went.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM engine_calls WHERE at_utc < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
