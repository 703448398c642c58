package menu

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS menu_group (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name   TEXT NOT NULL,
	remark TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS menu_entry (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id    INTEGER NOT NULL REFERENCES menu_group(id),
	parent_id   INTEGER REFERENCES menu_entry(id),
	keyword     TEXT NOT NULL,
	description TEXT NOT NULL,
	url         TEXT
);

CREATE INDEX IF NOT EXISTS idx_menu_entry_group  ON menu_entry(group_id);
CREATE INDEX IF NOT EXISTS idx_menu_entry_parent ON menu_entry(parent_id);
CREATE INDEX IF NOT EXISTS idx_menu_entry_kw     ON menu_entry(keyword);

CREATE TABLE IF NOT EXISTS session (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	current_menu_id INTEGER NOT NULL DEFAULT 1,
	updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// SQLiteStore implements Store and SessionMirror over a single sqlite file.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the menu database, runs the
// schema, and seeds sample menus on first run.
func NewSQLiteStore(path string, log zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open menu db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate menu db: %w", err)
	}

	s := &SQLiteStore{db: db, log: log.With().Str("component", "menustore").Logger()}
	if err := s.seed(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed menu db: %w", err)
	}
	return s, nil
}

// seed inserts the sample menu set on an empty database. Running it again is
// a no-op.
func (s *SQLiteStore) seed() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM menu_group`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO menu_group (name, remark) VALUES ('Main Menu', 'default menu group')`)
	if err != nil {
		return err
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	insert := func(parent *int64, keyword, description string, url *string) (int64, error) {
		r, err := tx.Exec(
			`INSERT INTO menu_entry (group_id, parent_id, keyword, description, url) VALUES (?, ?, ?, ?, ?)`,
			groupID, parent, keyword, description, url,
		)
		if err != nil {
			return 0, err
		}
		return r.LastInsertId()
	}

	str := func(v string) *string { return &v }

	if _, err := insert(nil, "1", "Service information", str("in development")); err != nil {
		return err
	}
	id2, err := insert(nil, "2", "Account services", nil)
	if err != nil {
		return err
	}
	id3, err := insert(nil, "3", "Reports", nil)
	if err != nil {
		return err
	}
	if _, err := insert(nil, "4", "Contact an operator", str("in development")); err != nil {
		return err
	}
	if _, err := insert(&id2, "21", "Check account status", str("in development")); err != nil {
		return err
	}
	if _, err := insert(&id2, "22", "Update account details", str("in development")); err != nil {
		return err
	}
	if _, err := insert(&id3, "31", "Daily report", str("in development")); err != nil {
		return err
	}
	if _, err := insert(&id3, "32", "Monthly report", str("in development")); err != nil {
		return err
	}

	return tx.Commit()
}

const entryColumns = `id, group_id, parent_id, keyword, description, url`

func (s *SQLiteStore) queryEntries(ctx context.Context, what, query string, args ...any) []Entry {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.log.Error().Err(err).Str("query", what).Msg("menu query failed")
		return nil
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			parent sql.NullInt64
			url    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &parent, &e.Keyword, &e.Description, &url); err != nil {
			s.log.Error().Err(err).Str("query", what).Msg("menu row scan failed")
			return nil
		}
		if parent.Valid {
			p := parent.Int64
			e.ParentID = &p
		}
		e.Content = ParseContent(url.String, url.Valid)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		s.log.Error().Err(err).Str("query", what).Msg("menu rows failed")
		return nil
	}
	return out
}

func (s *SQLiteStore) TopLevel(ctx context.Context, groupID int64) []Entry {
	return s.queryEntries(ctx, "toplevel",
		`SELECT `+entryColumns+` FROM menu_entry WHERE group_id = ? AND parent_id IS NULL ORDER BY keyword`,
		groupID)
}

func (s *SQLiteStore) Children(ctx context.Context, parentID int64) []Entry {
	return s.queryEntries(ctx, "children",
		`SELECT `+entryColumns+` FROM menu_entry WHERE parent_id = ? ORDER BY keyword`,
		parentID)
}

func (s *SQLiteStore) FindByKeyword(ctx context.Context, keyword string) (Entry, bool) {
	entries := s.queryEntries(ctx, "keyword",
		`SELECT `+entryColumns+` FROM menu_entry WHERE keyword = ? ORDER BY id LIMIT 1`,
		keyword)
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

func (s *SQLiteStore) SearchByDescription(ctx context.Context, term string) []Entry {
	pattern := "%" + strings.ToLower(term) + "%"
	return s.queryEntries(ctx, "search",
		`SELECT `+entryColumns+` FROM menu_entry WHERE parent_id IS NULL AND lower(description) LIKE ? ORDER BY keyword`,
		pattern)
}

func (s *SQLiteStore) FindByGroupID(ctx context.Context, groupID int64) (Entry, bool) {
	entries := s.queryEntries(ctx, "bygroup",
		`SELECT `+entryColumns+` FROM menu_entry WHERE group_id = ? AND parent_id IS NULL ORDER BY keyword LIMIT 1`,
		groupID)
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

func (s *SQLiteStore) Groups(ctx context.Context) []Group {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, remark FROM menu_group ORDER BY id`)
	if err != nil {
		s.log.Error().Err(err).Msg("group query failed")
		return nil
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Remark); err != nil {
			s.log.Error().Err(err).Msg("group row scan failed")
			return nil
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		s.log.Error().Err(err).Msg("group rows failed")
		return nil
	}
	return out
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) SaveSession(ctx context.Context, id, status string, currentMenuID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session (id, status, current_menu_id, updated_at) VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status,
		   current_menu_id = excluded.current_menu_id, updated_at = excluded.updated_at`,
		id, status, currentMenuID)
	if err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, current_menu_id FROM session ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.Status, &r.CurrentMenuID); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
