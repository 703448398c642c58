// Package whatsapp adapts whatsmeow to the session transport interfaces.
package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	wtypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"wa-gateway/session"
)

// Dialer creates whatsmeow clients. Each session gets its own sqlstore
// database file under dir, so credentials can be wiped per session.
type Dialer struct {
	dir   string
	log   zerolog.Logger
	waLog waLog.Logger

	mu         sync.Mutex
	containers map[string]*sqlstore.Container
}

func NewDialer(dir string, log zerolog.Logger) *Dialer {
	return &Dialer{
		dir:        dir,
		log:        log.With().Str("component", "whatsapp").Logger(),
		waLog:      waLog.Stdout("whatsmeow", "WARN", false),
		containers: make(map[string]*sqlstore.Container),
	}
}

func (d *Dialer) dbPath(sessionID string) string {
	return filepath.Join(d.dir, sessionID+".db")
}

func (d *Dialer) Dial(ctx context.Context, sessionID string, events chan<- session.Event) (session.Conn, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}

	d.mu.Lock()
	container, ok := d.containers[sessionID]
	d.mu.Unlock()
	if !ok {
		addr := "file:" + d.dbPath(sessionID) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		var err error
		container, err = sqlstore.New(ctx, "sqlite", addr, d.waLog)
		if err != nil {
			return nil, fmt.Errorf("open auth store for %s: %w", sessionID, err)
		}
		d.mu.Lock()
		d.containers[sessionID] = container
		d.mu.Unlock()
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device for %s: %w", sessionID, err)
	}

	client := whatsmeow.NewClient(device, d.waLog)
	// The supervisor owns reconnection.
	client.EnableAutoReconnect = false

	conn := &conn{
		sessionID: sessionID,
		client:    client,
		events:    events,
		log:       d.log.With().Str("session", sessionID).Logger(),
	}
	client.AddEventHandler(conn.handleEvent)
	return conn, nil
}

func (d *Dialer) DeleteAuth(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	if container, ok := d.containers[sessionID]; ok {
		container.Close()
		delete(d.containers, sessionID)
	}
	d.mu.Unlock()

	path := d.dbPath(sessionID)
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove auth file %s: %w", f, err)
		}
	}
	return nil
}

// KnownSessions lists session IDs that still have an auth database on disk.
func (d *Dialer) KnownSessions() []string {
	matches, err := filepath.Glob(filepath.Join(d.dir, "*.db"))
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), ".db"))
	}
	return out
}

func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, container := range d.containers {
		container.Close()
		delete(d.containers, id)
	}
}

type conn struct {
	sessionID string
	client    *whatsmeow.Client
	events    chan<- session.Event
	log       zerolog.Logger
}

func (c *conn) emit(ev session.Event) {
	ev.SessionID = c.sessionID
	c.events <- ev
}

func (c *conn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		if len(v.Codes) == 0 {
			return
		}
		png, err := qrcode.Encode(v.Codes[0], qrcode.Medium, 256)
		if err != nil {
			c.log.Error().Err(err).Msg("qr render failed")
			return
		}
		c.emit(session.Event{
			Kind:      session.EventQR,
			QRDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		})
	case *events.Connected:
		c.emit(session.Event{Kind: session.EventOpen})
	case *events.Disconnected:
		c.emit(session.Event{Kind: session.EventClose, Reason: "disconnected"})
	case *events.StreamError:
		c.emit(session.Event{Kind: session.EventClose, Reason: "stream error " + v.Code})
	case *events.ConnectFailure:
		c.emit(session.Event{
			Kind:      session.EventClose,
			LoggedOut: v.Reason.IsLoggedOut(),
			Reason:    fmt.Sprintf("connect failure %d: %s", int(v.Reason), v.Message),
		})
	case *events.LoggedOut:
		c.emit(session.Event{
			Kind:      session.EventClose,
			LoggedOut: true,
			Reason:    fmt.Sprintf("logged out (%d)", int(v.Reason)),
		})
	case *events.Message:
		c.emit(session.Event{
			Kind:     session.EventMessage,
			Contact:  v.Info.Chat.String(),
			Text:     extractText(v.Message),
			FromSelf: v.Info.IsFromMe,
			IsGroup:  v.Info.IsGroup,
		})
	case *events.UndecryptableMessage:
		c.emit(session.Event{
			Kind:    session.EventDecryptFailure,
			Contact: v.Info.Sender.String(),
		})
	}
}

func (c *conn) Connect(ctx context.Context) error {
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	return nil
}

func (c *conn) Disconnect() {
	c.client.Disconnect()
}

func (c *conn) LoggedIn() bool {
	return c.client.IsLoggedIn()
}

func (c *conn) SendText(ctx context.Context, to, text string) error {
	jid, err := wtypes.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", to, err)
	}
	if _, err := c.client.SendMessage(ctx, jid, NewTextMessage(text)); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Probe checks liveness by refreshing our own presence.
func (c *conn) Probe(ctx context.Context) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("client not connected")
	}
	if err := c.client.SendPresence(wtypes.PresenceAvailable); err != nil {
		return fmt.Errorf("presence probe: %w", err)
	}
	return nil
}

// ClearContactSession drops all signal sessions with a contact so the next
// message negotiates fresh ones.
func (c *conn) ClearContactSession(ctx context.Context, contact string) error {
	jid, err := wtypes.ParseJID(contact)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", contact, err)
	}
	if err := c.client.Store.Sessions.DeleteAllSessions(ctx, jid.User); err != nil {
		return fmt.Errorf("clear sessions for %s: %w", contact, err)
	}
	return nil
}

// RequestFreshKeys nudges the server to resync state with the contact, which
// triggers a prekey exchange on their next message.
func (c *conn) RequestFreshKeys(ctx context.Context, contact string) error {
	jid, err := wtypes.ParseJID(contact)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", contact, err)
	}
	if err := c.client.SubscribePresence(jid); err != nil {
		return fmt.Errorf("presence subscribe for %s: %w", contact, err)
	}
	return nil
}

func (c *conn) JoinedGroupCount(ctx context.Context) (int, error) {
	groups, err := c.client.GetJoinedGroups()
	if err != nil {
		return 0, fmt.Errorf("joined groups: %w", err)
	}
	return len(groups), nil
}
