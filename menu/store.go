package menu

import "context"

// Store is the read surface of the menu database plus the best-effort session
// mirror. All lookup methods fail soft: implementations log and return empty
// results on storage errors so one bad read never takes a conversation down.
// Ping is the single call whose error propagates, for startup checks.
type Store interface {
	// TopLevel returns the root entries of a group, sorted by keyword
	// (lexicographic, so "10" sorts before "2").
	TopLevel(ctx context.Context, groupID int64) []Entry
	// Children returns the direct children of an entry, keyword-sorted.
	Children(ctx context.Context, parentID int64) []Entry
	// FindByKeyword returns the first entry whose keyword matches exactly.
	FindByKeyword(ctx context.Context, keyword string) (Entry, bool)
	// SearchByDescription returns top-level entries whose description
	// contains term, case-insensitively.
	SearchByDescription(ctx context.Context, term string) []Entry
	// FindByGroupID returns the first top-level entry of a group in
	// keyword order.
	FindByGroupID(ctx context.Context, groupID int64) (Entry, bool)
	// Groups lists the menu groups.
	Groups(ctx context.Context) []Group

	Ping(ctx context.Context) error
	Close() error
}

// SessionMirror persists session status rows for the HTTP surface. Writes are
// best-effort; callers ignore the error beyond logging.
type SessionMirror interface {
	SaveSession(ctx context.Context, id, status string, currentMenuID int64) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]SessionRow, error)
}

// SessionRow is one persisted session mirror row.
type SessionRow struct {
	ID            string
	Status        string
	CurrentMenuID int64
}
