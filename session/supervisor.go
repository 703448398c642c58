package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wa-gateway/metrics"
	"wa-gateway/utils"
)

// Config holds the supervisor timings. Zero values are not usable; main fills
// it from the env config.
type Config struct {
	QRTimeout         time.Duration
	QRRetryDelay      time.Duration
	HeartbeatInterval time.Duration
	MonitorInterval   time.Duration
	HeartbeatStale    time.Duration
	RecoveryInterval  time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

const (
	maxHeartbeatFails  = 5
	maxDecryptAttempts = 3
	decryptStateMaxAge = 30 * time.Minute
	sendAttempts       = 3
	sendRetryInterval  = time.Second
)

// MessageFunc handles one inbound message event. The bot provides it.
type MessageFunc func(ctx context.Context, s *Session, ev Event)

// Supervisor owns the session lifecycle: it dials connections, consumes the
// transport event stream, and runs the reconnect, heartbeat, staleness and
// recovery machinery.
type Supervisor struct {
	reg    *Registry
	dialer Dialer
	mirror Mirror
	sched  Scheduler
	cfg    Config
	log    zerolog.Logger

	events    chan Event
	onMessage MessageFunc

	mu         sync.Mutex
	waitTimers map[string]func() bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSupervisor(reg *Registry, dialer Dialer, mirror Mirror, sched Scheduler, cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		reg:      reg,
		dialer:   dialer,
		mirror:   mirror,
		sched:    sched,
		cfg:      cfg,
		log:        log.With().Str("component", "supervisor").Logger(),
		events:     make(chan Event, 64),
		waitTimers: make(map[string]func() bool),
		stop:       make(chan struct{}),
	}
}

// SetMessageHandler must be called before Start.
func (sv *Supervisor) SetMessageHandler(f MessageFunc) {
	sv.onMessage = f
}

func (sv *Supervisor) Start() {
	sv.wg.Add(2)
	go sv.run()
	go sv.tick()
}

func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() { close(sv.stop) })
	for _, s := range sv.reg.List() {
		s.MarkDeleted()
		if conn := s.Conn(); conn != nil {
			conn.Disconnect()
		}
	}
	sv.wg.Wait()
}

// Connect creates and starts a new session. It fails if the ID is already
// live.
func (sv *Supervisor) Connect(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("session id is required")
	}
	if existing, ok := sv.reg.Get(id); ok && !existing.Deleted() {
		return fmt.Errorf("session %s: %w", id, ErrExists)
	}

	s, err := sv.reg.Create(id)
	if err != nil {
		return err
	}
	metrics.SessionsActive.Inc()
	sv.saveMirror(ctx, s)
	sv.log.Info().Str("session", id).Msg("connecting session")
	sv.dial(s)
	return nil
}

// Disconnect tears a session down but keeps its stored credentials, so a
// later Connect resumes without a new QR scan.
func (sv *Supervisor) Disconnect(ctx context.Context, id string) error {
	s, ok := sv.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	sv.teardown(s)
	s.SetStatus(StatusDisconnected)
	sv.saveMirror(ctx, s)
	sv.log.Info().Str("session", id).Msg("session disconnected")
	return nil
}

// DisconnectAndDelete tears a session down and wipes its credentials.
func (sv *Supervisor) DisconnectAndDelete(ctx context.Context, id string) error {
	s, ok := sv.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	sv.teardown(s)
	if err := sv.dialer.DeleteAuth(ctx, id); err != nil {
		sv.log.Error().Err(err).Str("session", id).Msg("auth delete failed")
	}
	if sv.mirror != nil {
		if err := sv.mirror.DeleteSession(ctx, id); err != nil {
			sv.log.Warn().Err(err).Str("session", id).Msg("session row delete failed")
		}
	}
	sv.log.Info().Str("session", id).Msg("session disconnected and deleted")
	return nil
}

func (sv *Supervisor) teardown(s *Session) {
	s.MarkDeleted()
	sv.cancelWaitTimer(s.ID)
	if conn := s.Conn(); conn != nil {
		conn.Disconnect()
	}
	sv.reg.Delete(s.ID)
	metrics.SessionsActive.Dec()
}

// SendText sends a message through a connected session, retrying transient
// failures a few times.
func (sv *Supervisor) SendText(ctx context.Context, id, to, text string) error {
	s, ok := sv.reg.Get(id)
	if !ok || s.Deleted() {
		return ErrNotFound
	}
	conn := s.Conn()
	if conn == nil || s.Status() != StatusConnected {
		return fmt.Errorf("session %s is not connected", id)
	}
	err := utils.WithConstantRetry(func() error {
		return conn.SendText(ctx, to, text)
	}, sendAttempts, sendRetryInterval)
	if err != nil {
		return fmt.Errorf("send via %s: %w", id, err)
	}
	metrics.RepliesSent.Inc()
	return nil
}

// QR returns the pending login QR for a session, if one is being shown.
func (sv *Supervisor) QR(id string) (string, error) {
	s, ok := sv.reg.Get(id)
	if !ok || s.Deleted() {
		return "", ErrNotFound
	}
	qr := s.QR()
	if qr == "" {
		return "", fmt.Errorf("session %s has no pending QR", id)
	}
	return qr, nil
}

func (sv *Supervisor) Sessions() []Snapshot {
	live := sv.reg.List()
	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		if !s.Deleted() {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

func (sv *Supervisor) Session(id string) (Snapshot, error) {
	s, ok := sv.reg.Get(id)
	if !ok || s.Deleted() {
		return Snapshot{}, ErrNotFound
	}
	return s.Snapshot(), nil
}

func (sv *Supervisor) Lookup(id string) (*Session, bool) {
	s, ok := sv.reg.Get(id)
	if !ok || s.Deleted() {
		return nil, false
	}
	return s, true
}

// Restore reconnects every session that still has stored credentials.
func (sv *Supervisor) Restore(ctx context.Context) {
	for _, id := range sv.dialer.KnownSessions() {
		if _, ok := sv.reg.Get(id); ok {
			continue
		}
		if err := sv.Connect(ctx, id); err != nil {
			sv.log.Error().Err(err).Str("session", id).Msg("restore failed")
		}
	}
}

// Submit injects a transport event. Exposed for transports that hold no
// channel reference.
func (sv *Supervisor) Submit(ev Event) {
	select {
	case sv.events <- ev:
	case <-sv.stop:
	}
}

func (sv *Supervisor) run() {
	defer sv.wg.Done()
	for {
		select {
		case ev := <-sv.events:
			sv.handleEvent(ev)
		case <-sv.stop:
			return
		}
	}
}

func (sv *Supervisor) handleEvent(ev Event) {
	s, ok := sv.reg.Get(ev.SessionID)
	if !ok || s.Deleted() {
		sv.log.Debug().Str("session", ev.SessionID).Int("kind", int(ev.Kind)).Msg("event for dead session dropped")
		return
	}

	ctx := context.Background()
	switch ev.Kind {
	case EventQR:
		sv.handleQR(s, ev)
	case EventOpen:
		sv.handleOpen(ctx, s)
	case EventClose:
		sv.handleClose(ctx, s, ev)
	case EventMessage:
		if sv.onMessage != nil {
			sv.onMessage(ctx, s, ev)
		}
	case EventDecryptFailure:
		sv.handleDecryptFailure(ctx, s, ev.Contact)
	}
}

func (sv *Supervisor) handleQR(s *Session, ev Event) {
	// The transport is alive: stop the connect-wait timer and leave the QR
	// up for the user to scan.
	sv.cancelWaitTimer(s.ID)
	s.SetStatus(StatusWaitingQR)
	s.SetQR(ev.QRDataURL)
	sv.log.Info().Str("session", s.ID).Msg("qr code ready, waiting for scan")
}

// armWaitTimer starts the connect-wait window: a dial that produces neither a
// QR nor an open within QRTimeout is dropped and retried.
func (sv *Supervisor) armWaitTimer(s *Session) {
	sv.mu.Lock()
	if cancel, ok := sv.waitTimers[s.ID]; ok {
		cancel()
	}
	sv.waitTimers[s.ID] = sv.sched.AfterFunc(sv.cfg.QRTimeout, func() { sv.waitExpired(s) })
	sv.mu.Unlock()
}

func (sv *Supervisor) waitExpired(s *Session) {
	sv.mu.Lock()
	delete(sv.waitTimers, s.ID)
	sv.mu.Unlock()

	if s.Deleted() || s.Status() != StatusConnecting {
		return
	}
	sv.log.Warn().Str("session", s.ID).Msg("no qr or open within connect window")
	if conn := s.Conn(); conn != nil {
		conn.Disconnect()
	}
	s.SetQR("")
	s.SetStatus(StatusDisconnected)
	sv.sched.AfterFunc(sv.cfg.QRRetryDelay, func() {
		if s.Deleted() {
			return
		}
		s.SetStatus(StatusConnecting)
		sv.dial(s)
	})
}

func (sv *Supervisor) cancelWaitTimer(id string) {
	sv.mu.Lock()
	if cancel, ok := sv.waitTimers[id]; ok {
		cancel()
		delete(sv.waitTimers, id)
	}
	sv.mu.Unlock()
}

func (sv *Supervisor) handleOpen(ctx context.Context, s *Session) {
	sv.cancelWaitTimer(s.ID)
	s.SetQR("")
	s.SetStatus(StatusConnected)
	s.ResetAttempts()
	s.TouchHeartbeat()
	metrics.ConnectionsOpened.Inc()
	sv.saveMirror(ctx, s)
	sv.log.Info().Str("session", s.ID).Msg("session connected")

	if conn := s.Conn(); conn != nil {
		if n, err := conn.JoinedGroupCount(ctx); err == nil {
			sv.log.Debug().Str("session", s.ID).Int("groups", n).Msg("group list warmed")
		}
	}
}

func (sv *Supervisor) handleClose(ctx context.Context, s *Session, ev Event) {
	sv.cancelWaitTimer(s.ID)
	metrics.ConnectionsClosed.Inc()

	if ev.LoggedOut {
		sv.log.Warn().Str("session", s.ID).Str("reason", ev.Reason).Msg("logged out remotely, not reconnecting")
		s.SetStatus(StatusLoggedOut)
		sv.saveMirror(ctx, s)
		if err := sv.dialer.DeleteAuth(ctx, s.ID); err != nil {
			sv.log.Error().Err(err).Str("session", s.ID).Msg("auth delete failed")
		}
		return
	}

	sv.log.Warn().Str("session", s.ID).Str("reason", ev.Reason).Msg("connection closed")
	s.SetStatus(StatusDisconnected)
	sv.saveMirror(ctx, s)
	sv.scheduleReconnect(s)
}

func (sv *Supervisor) handleDecryptFailure(ctx context.Context, s *Session, contact string) {
	if contact == "" {
		return
	}
	count := s.NoteDecryptFailure(contact)
	if count > maxDecryptAttempts {
		// Give up silently and clear the counter so a later episode with
		// this contact gets a fresh budget.
		s.ResetDecrypt(contact)
		sv.log.Warn().Str("session", s.ID).Str("contact", contact).Int("attempts", count).
			Msg("decryption repair budget exhausted, giving up")
		return
	}

	conn := s.Conn()
	if conn == nil {
		return
	}
	metrics.DecryptRepairs.Inc()
	sv.log.Info().Str("session", s.ID).Str("contact", contact).Int("attempt", count).
		Msg("repairing broken crypto session")
	if err := conn.ClearContactSession(ctx, contact); err != nil {
		sv.log.Error().Err(err).Str("session", s.ID).Str("contact", contact).Msg("session clear failed")
		return
	}
	if err := conn.RequestFreshKeys(ctx, contact); err != nil {
		sv.log.Error().Err(err).Str("session", s.ID).Str("contact", contact).Msg("fresh key request failed")
	}
}

func (sv *Supervisor) dial(s *Session) {
	conn, err := sv.dialer.Dial(context.Background(), s.ID, sv.events)
	if err != nil {
		sv.log.Error().Err(err).Str("session", s.ID).Msg("dial failed")
		s.SetStatus(StatusDisconnected)
		sv.scheduleReconnect(s)
		return
	}
	s.SetConn(conn)
	if err := conn.Connect(context.Background()); err != nil {
		sv.log.Error().Err(err).Str("session", s.ID).Msg("connect failed")
		s.SetStatus(StatusDisconnected)
		sv.scheduleReconnect(s)
		return
	}
	sv.armWaitTimer(s)
}

// scheduleReconnect books exactly one pending reconnect per session.
func (sv *Supervisor) scheduleReconnect(s *Session) {
	if s.Deleted() || !s.BeginReconnect() {
		return
	}
	attempt := s.NextAttempt()
	delay := JitteredDelay(attempt, sv.cfg.BackoffBase, sv.cfg.BackoffCap)
	metrics.ReconnectAttempts.Inc()
	sv.log.Info().Str("session", s.ID).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	sv.sched.AfterFunc(delay, func() {
		s.EndReconnect()
		if s.Deleted() {
			return
		}
		s.SetStatus(StatusConnecting)
		sv.dial(s)
	})
}

func (sv *Supervisor) tick() {
	defer sv.wg.Done()
	heartbeat := time.NewTicker(sv.cfg.HeartbeatInterval)
	monitor := time.NewTicker(sv.cfg.MonitorInterval)
	recovery := time.NewTicker(sv.cfg.RecoveryInterval)
	purge := time.NewTicker(10 * time.Minute)
	defer heartbeat.Stop()
	defer monitor.Stop()
	defer recovery.Stop()
	defer purge.Stop()

	for {
		select {
		case <-heartbeat.C:
			sv.sweepHeartbeat(context.Background())
		case <-monitor.C:
			sv.sweepStale()
		case <-recovery.C:
			sv.sweepRecover()
		case <-purge.C:
			sv.purgeDecrypts()
		case <-sv.stop:
			return
		}
	}
}

// sweepHeartbeat probes every connected session. Five consecutive failures
// force a disconnect and a reconnect cycle.
func (sv *Supervisor) sweepHeartbeat(ctx context.Context) {
	for _, s := range sv.reg.List() {
		if s.Deleted() || s.Status() != StatusConnected {
			continue
		}
		conn := s.Conn()
		if conn == nil {
			continue
		}
		if err := conn.Probe(ctx); err != nil {
			metrics.HeartbeatFailures.Inc()
			fails := s.HeartbeatFailed()
			sv.log.Warn().Err(err).Str("session", s.ID).Int("fails", fails).Msg("heartbeat probe failed")
			if fails >= maxHeartbeatFails {
				sv.log.Error().Str("session", s.ID).Msg("heartbeat dead, forcing reconnect")
				conn.Disconnect()
				s.SetStatus(StatusDisconnected)
				sv.saveMirror(ctx, s)
				sv.scheduleReconnect(s)
			}
			continue
		}
		s.TouchHeartbeat()
	}
}

// sweepStale catches sessions that look connected but whose heartbeat has not
// succeeded within the staleness bound.
func (sv *Supervisor) sweepStale() {
	for _, s := range sv.reg.List() {
		if s.Deleted() || s.Status() != StatusConnected {
			continue
		}
		last := s.LastHeartbeat()
		if last.IsZero() || time.Since(last) <= sv.cfg.HeartbeatStale {
			continue
		}
		sv.log.Warn().Str("session", s.ID).Time("lastHeartbeat", last).Msg("session stale, forcing reconnect")
		if conn := s.Conn(); conn != nil {
			conn.Disconnect()
		}
		s.SetStatus(StatusDisconnected)
		sv.saveMirror(context.Background(), s)
		sv.scheduleReconnect(s)
	}
}

// sweepRecover picks up disconnected sessions that have no reconnect pending,
// e.g. after a scheduled dial failed synchronously.
func (sv *Supervisor) sweepRecover() {
	for _, s := range sv.reg.List() {
		if s.Deleted() || s.Status() != StatusDisconnected || s.Reconnecting() {
			continue
		}
		sv.log.Info().Str("session", s.ID).Msg("auto-recovery picked up session")
		sv.scheduleReconnect(s)
	}
}

func (sv *Supervisor) purgeDecrypts() {
	for _, s := range sv.reg.List() {
		if n := s.PurgeStaleDecrypts(decryptStateMaxAge); n > 0 {
			sv.log.Debug().Str("session", s.ID).Int("purged", n).Msg("stale decrypt counters purged")
		}
	}
}

func (sv *Supervisor) saveMirror(ctx context.Context, s *Session) {
	if sv.mirror == nil {
		return
	}
	if err := sv.mirror.SaveSession(ctx, s.ID, string(s.Status()), s.CurrentMenu()); err != nil {
		sv.log.Warn().Err(err).Str("session", s.ID).Msg("session row save failed")
	}
}
