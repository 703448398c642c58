package session

import (
	"sync"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusWaitingQR    Status = "waiting_qr"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusLoggedOut    Status = "logged_out"
)

// decryptState tracks repair attempts for one contact whose messages fail to
// decrypt.
type decryptState struct {
	count int
	last  time.Time
}

// Session is one WhatsApp account managed by the gateway. All mutable fields
// are guarded by the mutex; the supervisor is the only writer of lifecycle
// state but the HTTP surface reads concurrently.
type Session struct {
	ID string

	mu             sync.Mutex
	status         Status
	deleted        bool
	reconnecting   bool
	attempts       int
	conn           Conn
	qrDataURL      string
	lastHeartbeat  time.Time
	heartbeatFails int
	currentMenu    int64
	lastReplyAt    time.Time
	decrypts       map[string]*decryptState
}

func newSession(id string) *Session {
	return &Session{
		ID:          id,
		status:      StatusConnecting,
		currentMenu: 1,
		decrypts:    make(map[string]*decryptState),
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// MarkDeleted sets the tombstone. Every event path checks it before acting so
// a torn-down session cannot be resurrected by a late callback.
func (s *Session) MarkDeleted() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
}

func (s *Session) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

func (s *Session) SetConn(c Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) SetQR(dataURL string) {
	s.mu.Lock()
	s.qrDataURL = dataURL
	s.mu.Unlock()
}

func (s *Session) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrDataURL
}

// BeginReconnect claims the single in-flight reconnect slot. It returns false
// when a reconnect is already scheduled or running.
func (s *Session) BeginReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting {
		return false
	}
	s.reconnecting = true
	return true
}

func (s *Session) EndReconnect() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

func (s *Session) Reconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// NextAttempt bumps and returns the reconnect attempt counter.
func (s *Session) NextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Session) ResetAttempts() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) TouchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.heartbeatFails = 0
	s.mu.Unlock()
}

// HeartbeatFailed records one failed probe and returns the consecutive
// failure count.
func (s *Session) HeartbeatFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatFails++
	return s.heartbeatFails
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// SetCurrentMenu implements menu.Positioner.
func (s *Session) SetCurrentMenu(groupID int64) {
	s.mu.Lock()
	s.currentMenu = groupID
	s.mu.Unlock()
}

func (s *Session) CurrentMenu() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentMenu
}

// TryReply consumes the per-session reply cooldown. It returns false while a
// reply went out less than cooldown ago.
func (s *Session) TryReply(cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastReplyAt) < cooldown {
		return false
	}
	s.lastReplyAt = now
	return true
}

// NoteDecryptFailure bumps the repair counter for a contact and returns the
// new count.
func (s *Session) NoteDecryptFailure(contact string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.decrypts[contact]
	if !ok {
		st = &decryptState{}
		s.decrypts[contact] = st
	}
	st.count++
	st.last = time.Now()
	return st.count
}

func (s *Session) ResetDecrypt(contact string) {
	s.mu.Lock()
	delete(s.decrypts, contact)
	s.mu.Unlock()
}

// PurgeStaleDecrypts drops repair counters that have not fired within maxAge,
// so a contact whose problem resolved gets a fresh budget later.
func (s *Session) PurgeStaleDecrypts(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for contact, st := range s.decrypts {
		if st.last.Before(cutoff) {
			delete(s.decrypts, contact)
			purged++
		}
	}
	return purged
}

// Snapshot is a read-only view of a session for the HTTP surface.
type Snapshot struct {
	ID            string `json:"id"`
	Status        Status `json:"status"`
	Reconnecting  bool   `json:"reconnecting"`
	Attempts      int    `json:"reconnectAttempts"`
	CurrentMenuID int64  `json:"currentMenuId"`
	HasQR         bool   `json:"hasQr"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		Status:        s.status,
		Reconnecting:  s.reconnecting,
		Attempts:      s.attempts,
		CurrentMenuID: s.currentMenu,
		HasQR:         s.qrDataURL != "",
	}
}
