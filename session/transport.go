package session

import "context"

// EventKind enumerates what a transport connection can report back to the
// supervisor.
type EventKind int

const (
	// EventQR carries a freshly rendered login QR code.
	EventQR EventKind = iota
	// EventOpen means the connection is authenticated and usable.
	EventOpen
	// EventClose means the connection dropped; LoggedOut tells whether the
	// account was logged out remotely, which is terminal.
	EventClose
	// EventMessage is an inbound chat message.
	EventMessage
	// EventDecryptFailure is a message that could not be decrypted.
	EventDecryptFailure
)

// Event is one transport notification. The supervisor's run loop is the sole
// consumer; transports only ever send.
type Event struct {
	SessionID string
	Kind      EventKind

	// EventQR
	QRDataURL string

	// EventClose
	LoggedOut bool
	Reason    string

	// EventMessage / EventDecryptFailure
	Contact  string
	Text     string
	FromSelf bool
	IsGroup  bool
}

// Conn is one live transport connection for a session.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	LoggedIn() bool
	SendText(ctx context.Context, to, text string) error
	// Probe performs a cheap liveness check used by the heartbeat loop.
	Probe(ctx context.Context) error
	// ClearContactSession and RequestFreshKeys repair a broken crypto
	// session with one contact.
	ClearContactSession(ctx context.Context, contact string) error
	RequestFreshKeys(ctx context.Context, contact string) error
	// JoinedGroupCount is a best-effort warm-up read after connect.
	JoinedGroupCount(ctx context.Context) (int, error)
}

// Dialer creates transport connections and owns the auth material behind
// them.
type Dialer interface {
	// Dial prepares a connection for sessionID. Lifecycle and message
	// notifications go to events; the returned Conn is not yet connected.
	Dial(ctx context.Context, sessionID string, events chan<- Event) (Conn, error)
	// DeleteAuth removes the stored credentials for sessionID.
	DeleteAuth(ctx context.Context, sessionID string) error
	// KnownSessions lists session IDs that have stored credentials.
	KnownSessions() []string
}

// Mirror persists session status rows for the HTTP surface. Implemented by
// the menu store; all writes are best-effort.
type Mirror interface {
	SaveSession(ctx context.Context, id, status string, currentMenuID int64) error
	DeleteSession(ctx context.Context, id string) error
}
