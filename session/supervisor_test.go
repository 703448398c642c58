package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type scheduledCall struct {
	d         time.Duration
	f         func()
	cancelled bool
	fired     bool
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (fs *fakeScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c := &scheduledCall{d: d, f: f}
	fs.calls = append(fs.calls, c)
	return func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if c.cancelled || c.fired {
			return false
		}
		c.cancelled = true
		return true
	}
}

// pending returns the calls that are neither fired nor cancelled.
func (fs *fakeScheduler) pending() []*scheduledCall {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []*scheduledCall
	for _, c := range fs.calls {
		if !c.cancelled && !c.fired {
			out = append(out, c)
		}
	}
	return out
}

func (fs *fakeScheduler) fire(c *scheduledCall) {
	fs.mu.Lock()
	if c.cancelled || c.fired {
		fs.mu.Unlock()
		return
	}
	c.fired = true
	fs.mu.Unlock()
	c.f()
}

type fakeConn struct {
	mu          sync.Mutex
	disconnects int
	probeErr    error
	sent        []string
	cleared     []string
	keyRequests []string
}

func (c *fakeConn) Connect(ctx context.Context) error { return nil }

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeConn) LoggedIn() bool { return true }

func (c *fakeConn) SendText(ctx context.Context, to, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, to+":"+text)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeErr
}

func (c *fakeConn) ClearContactSession(ctx context.Context, contact string) error {
	c.mu.Lock()
	c.cleared = append(c.cleared, contact)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RequestFreshKeys(ctx context.Context, contact string) error {
	c.mu.Lock()
	c.keyRequests = append(c.keyRequests, contact)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) JoinedGroupCount(ctx context.Context) (int, error) { return 0, nil }

type fakeDialer struct {
	mu          sync.Mutex
	conns       []*fakeConn
	dialErr     error
	deletedAuth []string
	known       []string
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string, events chan<- Event) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) DeleteAuth(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	d.deletedAuth = append(d.deletedAuth, sessionID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDialer) KnownSessions() []string { return d.known }

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeMirror struct {
	mu      sync.Mutex
	saves   map[string]string
	deleted []string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{saves: make(map[string]string)}
}

func (m *fakeMirror) SaveSession(ctx context.Context, id, status string, currentMenuID int64) error {
	m.mu.Lock()
	m.saves[id] = status
	m.mu.Unlock()
	return nil
}

func (m *fakeMirror) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, id)
	m.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		QRTimeout:         30 * time.Second,
		QRRetryDelay:      5 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		MonitorInterval:   time.Minute,
		HeartbeatStale:    3 * time.Minute,
		RecoveryInterval:  45 * time.Second,
		BackoffBase:       5 * time.Second,
		BackoffCap:        60 * time.Second,
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeDialer, *fakeScheduler, *fakeMirror) {
	t.Helper()
	dialer := &fakeDialer{}
	sched := &fakeScheduler{}
	mirror := newFakeMirror()
	sv := NewSupervisor(NewRegistry(), dialer, mirror, sched, testConfig(), zerolog.Nop())
	return sv, dialer, sched, mirror
}

func TestConnect_CreatesAndDials(t *testing.T) {
	sv, dialer, _, mirror := newTestSupervisor(t)
	ctx := context.Background()

	if err := sv.Connect(ctx, "acct1"); err != nil {
		t.Fatal(err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dial count %d, want 1", dialer.dialCount())
	}
	s, ok := sv.Lookup("acct1")
	if !ok {
		t.Fatal("session not registered")
	}
	if s.Conn() == nil {
		t.Fatal("conn not attached")
	}
	if mirror.saves["acct1"] != string(StatusConnecting) {
		t.Fatalf("mirror status %q", mirror.saves["acct1"])
	}

	if err := sv.Connect(ctx, "acct1"); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate connect: got %v", err)
	}
	if err := sv.Connect(ctx, "  "); err == nil {
		t.Fatal("blank id must be rejected")
	}
}

func TestConnect_ArmsWaitTimer(t *testing.T) {
	sv, _, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	pending := sched.pending()
	if len(pending) != 1 || pending[0].d != 30*time.Second {
		t.Fatalf("expected one 30s connect-wait timer after dial, got %d pending", len(pending))
	}
}

func TestWaitTimer_ExpiresSilentTransport(t *testing.T) {
	sv, dialer, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")

	// Transport emits neither QR nor open; the wait timer drops the session.
	sched.fire(sched.pending()[0])
	if s.Status() != StatusDisconnected {
		t.Fatalf("status after silent connect window: %v, want disconnected", s.Status())
	}
	if dialer.lastConn().disconnects != 1 {
		t.Fatal("silent conn not disconnected")
	}

	retry := sched.pending()
	if len(retry) != 1 || retry[0].d != 5*time.Second {
		t.Fatalf("expected one 5s retry timer, got %d pending", len(retry))
	}
	sched.fire(retry[0])
	if dialer.dialCount() != 2 {
		t.Fatalf("dial count %d, want 2 after retry", dialer.dialCount())
	}
	// The fresh dial opens a fresh connect window.
	rearmed := sched.pending()
	if len(rearmed) != 1 || rearmed[0].d != 30*time.Second {
		t.Fatalf("expected rearmed 30s wait timer, got %d pending", len(rearmed))
	}
}

func TestQR_CancelsWaitTimer(t *testing.T) {
	sv, dialer, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")

	sv.handleEvent(Event{SessionID: "acct1", Kind: EventQR, QRDataURL: "data:image/png;base64,AAA"})
	if s.Status() != StatusWaitingQR {
		t.Fatalf("status %v, want waiting_qr", s.Status())
	}
	if s.QR() == "" {
		t.Fatal("qr not stored")
	}
	if got := len(sched.pending()); got != 0 {
		t.Fatalf("wait timer still pending after qr arrived: %d", got)
	}

	sv.handleEvent(Event{SessionID: "acct1", Kind: EventQR, QRDataURL: "data:image/png;base64,BBB"})
	if s.QR() == "" || len(sched.pending()) != 0 {
		t.Fatal("qr refresh must keep the session waiting without timers")
	}

	// A displayed QR stays up until scanned; nothing tears the session down.
	if dialer.lastConn().disconnects != 0 {
		t.Fatal("displayed qr was torn down")
	}
	if s.Status() != StatusWaitingQR {
		t.Fatalf("status drifted to %v while qr displayed", s.Status())
	}
}

func TestOpen_ResetsState(t *testing.T) {
	sv, _, _, mirror := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")
	s.NextAttempt()
	s.NextAttempt()
	s.SetQR("data:image/png;base64,AAA")

	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})
	if s.Status() != StatusConnected {
		t.Fatalf("status %v", s.Status())
	}
	if s.Attempts() != 0 {
		t.Fatalf("attempts not reset: %d", s.Attempts())
	}
	if s.QR() != "" {
		t.Fatal("qr not cleared on open")
	}
	if s.LastHeartbeat().IsZero() {
		t.Fatal("heartbeat not stamped on open")
	}
	if mirror.saves["acct1"] != string(StatusConnected) {
		t.Fatalf("mirror status %q", mirror.saves["acct1"])
	}
}

func TestOpen_CancelsWaitTimer(t *testing.T) {
	sv, _, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})
	if got := len(sched.pending()); got != 0 {
		t.Fatalf("wait timer still pending after open: %d", got)
	}
}

func TestClose_SingleReconnectInFlight(t *testing.T) {
	sv, dialer, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})

	sv.handleEvent(Event{SessionID: "acct1", Kind: EventClose, Reason: "stream error"})
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventClose, Reason: "stream error"})

	pending := sched.pending()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one reconnect scheduled, got %d", len(pending))
	}
	if s.Attempts() != 1 {
		t.Fatalf("attempts %d, want 1", s.Attempts())
	}
	if min := Delay(1, 5*time.Second, 60*time.Second); pending[0].d < min {
		t.Fatalf("reconnect delay %v below backoff floor %v", pending[0].d, min)
	}

	sched.fire(pending[0])
	if dialer.dialCount() != 2 {
		t.Fatalf("dial count %d, want 2", dialer.dialCount())
	}
	if s.Reconnecting() {
		t.Fatal("reconnect slot not released after dial")
	}

	// The next close may book a new reconnect with a bigger attempt number.
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventClose, Reason: "stream error"})
	if s.Attempts() != 2 {
		t.Fatalf("attempts %d, want 2", s.Attempts())
	}
}

func TestClose_LoggedOutIsTerminal(t *testing.T) {
	sv, dialer, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")

	sv.handleEvent(Event{SessionID: "acct1", Kind: EventClose, LoggedOut: true, Reason: "logged out"})
	if s.Status() != StatusLoggedOut {
		t.Fatalf("status %v, want logged_out", s.Status())
	}
	if len(sched.pending()) != 0 {
		t.Fatal("no reconnect may be scheduled after remote logout")
	}
	if len(dialer.deletedAuth) != 1 || dialer.deletedAuth[0] != "acct1" {
		t.Fatalf("auth not wiped: %v", dialer.deletedAuth)
	}
}

func TestHeartbeat_FiveFailuresForceReconnect(t *testing.T) {
	sv, dialer, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})

	conn := dialer.lastConn()
	conn.probeErr = errors.New("probe failed")

	for i := 0; i < 4; i++ {
		sv.sweepHeartbeat(context.Background())
	}
	if s.Status() != StatusConnected {
		t.Fatalf("status flipped early: %v", s.Status())
	}
	sv.sweepHeartbeat(context.Background())
	if s.Status() != StatusDisconnected {
		t.Fatalf("status %v after 5 failures, want disconnected", s.Status())
	}
	if conn.disconnects != 1 {
		t.Fatalf("disconnects %d, want 1", conn.disconnects)
	}
	if len(sched.pending()) != 1 {
		t.Fatal("reconnect not scheduled after heartbeat death")
	}
}

func TestSweepStale_ForcesReconnect(t *testing.T) {
	sv, dialer, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})

	s.mu.Lock()
	s.lastHeartbeat = time.Now().Add(-4 * time.Minute)
	s.mu.Unlock()

	sv.sweepStale()
	if s.Status() != StatusDisconnected {
		t.Fatalf("status %v, want disconnected", s.Status())
	}
	if dialer.lastConn().disconnects != 1 {
		t.Fatal("stale conn not disconnected")
	}
	if len(sched.pending()) != 1 {
		t.Fatal("reconnect not scheduled for stale session")
	}
}

func TestSweepRecover_PicksUpDisconnected(t *testing.T) {
	sv, _, sched, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})
	s.SetStatus(StatusDisconnected)

	sv.sweepRecover()
	if len(sched.pending()) != 1 {
		t.Fatal("recovery did not schedule a reconnect")
	}
	// A second sweep must not double-book while one is in flight.
	sv.sweepRecover()
	if len(sched.pending()) != 1 {
		t.Fatal("recovery double-booked a reconnect")
	}
}

func TestDecryptRepair_BudgetOfThree(t *testing.T) {
	sv, dialer, _, _ := newTestSupervisor(t)
	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})
	conn := dialer.lastConn()

	for i := 0; i < 4; i++ {
		sv.handleEvent(Event{SessionID: "acct1", Kind: EventDecryptFailure, Contact: "123@s.whatsapp.net"})
	}
	if len(conn.cleared) != 3 {
		t.Fatalf("repairs %d, want 3", len(conn.cleared))
	}
	if len(conn.keyRequests) != 3 {
		t.Fatalf("key requests %d, want 3", len(conn.keyRequests))
	}

	// Giving up clears the counter, so a later episode starts a new budget.
	s, _ := sv.Lookup("acct1")
	if got := s.NoteDecryptFailure("123@s.whatsapp.net"); got != 1 {
		t.Fatalf("counter after give-up: %d, want fresh budget", got)
	}
}

func TestDisconnectAndDelete(t *testing.T) {
	sv, dialer, _, mirror := newTestSupervisor(t)
	ctx := context.Background()
	if err := sv.Connect(ctx, "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")

	if err := sv.DisconnectAndDelete(ctx, "acct1"); err != nil {
		t.Fatal(err)
	}
	if !s.Deleted() {
		t.Fatal("tombstone not set")
	}
	if _, ok := sv.Lookup("acct1"); ok {
		t.Fatal("session still visible after delete")
	}
	if len(dialer.deletedAuth) != 1 {
		t.Fatal("auth not deleted")
	}
	if len(mirror.deleted) != 1 {
		t.Fatal("mirror row not deleted")
	}

	if err := sv.Disconnect(ctx, "acct1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestEvents_DeadSessionDropped(t *testing.T) {
	sv, _, sched, _ := newTestSupervisor(t)
	sv.handleEvent(Event{SessionID: "ghost", Kind: EventClose})
	if len(sched.pending()) != 0 {
		t.Fatal("event for unknown session had an effect")
	}

	if err := sv.Connect(context.Background(), "acct1"); err != nil {
		t.Fatal(err)
	}
	s, _ := sv.Lookup("acct1")
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventOpen})
	s.MarkDeleted()
	sv.handleEvent(Event{SessionID: "acct1", Kind: EventClose})
	if len(sched.pending()) != 0 {
		t.Fatal("event for tombstoned session scheduled a reconnect")
	}
}

func TestRestore_ConnectsKnownSessions(t *testing.T) {
	sv, dialer, _, _ := newTestSupervisor(t)
	dialer.known = []string{"a", "b"}

	sv.Restore(context.Background())
	if dialer.dialCount() != 2 {
		t.Fatalf("dial count %d, want 2", dialer.dialCount())
	}
	if _, ok := sv.Lookup("a"); !ok {
		t.Fatal("session a not restored")
	}
	// Restoring again must not duplicate live sessions.
	sv.Restore(context.Background())
	if dialer.dialCount() != 2 {
		t.Fatalf("second restore redialed: %d", dialer.dialCount())
	}
}
