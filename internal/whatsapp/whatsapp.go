// Package whatsapp manages named whatsmeow sessions for PacePipe.
//
// Every session is one paired WhatsApp device. Devices live in a single
// whatsmeow sqlstore container; the session registry (name, status, paired
// device) lives in the application store so sessions survive restarts.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/session"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp session configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/pacepipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultReconnectDelay is how long a dropped session waits before reconnecting
	DefaultReconnectDelay = 30 * time.Second
	// DefaultEventBufferSize defines the buffer of the lifecycle event channel
	DefaultEventBufferSize = 100
	// DefaultChannelTimeout bounds how long an event emit may block
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrUnknownSession is returned for operations on a session that was never created.
	ErrUnknownSession = errors.New("unknown session")
	// ErrEmptySessionName is returned when a session name is blank.
	ErrEmptySessionName = errors.New("session name cannot be empty")
)

// Opts holds configuration options for the session manager.
type Opts struct {
	DBDSN          string        // whatsmeow database connection string
	QRWriter       io.Writer     // where login QR codes are printed; nil disables printing
	ReconnectDelay time.Duration // delay before reconnecting a dropped session
	LogLevel       string        // whatsmeow internal log level
}

// Option defines a configuration option for the session manager.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRWriter sets where login QR codes are rendered.
func WithQRWriter(w io.Writer) Option {
	return func(o *Opts) {
		o.QRWriter = w
	}
}

// WithReconnectDelay sets the delay before reconnecting a dropped session.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.ReconnectDelay = d
	}
}

// WithLogLevel sets the whatsmeow log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

// waSession is one named session and its whatsmeow client. client is nil
// until CreateSession has built it; read it through wa().
type waSession struct {
	name string

	mu        sync.Mutex
	client    *whatsmeow.Client
	status    models.SessionStatus
	destroyed bool
	reconnect *time.Timer
}

func (s *waSession) wa() *whatsmeow.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *waSession) setClient(c *whatsmeow.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *waSession) snapshot() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Manager owns every whatsmeow session. It implements session.Provider.
type Manager struct {
	container      *sqlstore.Container
	repo           store.InstanceRepo
	events         chan session.Event
	qrWriter       io.Writer
	reconnectDelay time.Duration
	logLevel       string
	connect        func(*whatsmeow.Client) error

	mu       sync.RWMutex
	sessions map[string]*waSession
}

// NeedsForeignKeyWarning reports whether a SQLite DSN lacks the foreign key
// pragma whatsmeow recommends.
func NeedsForeignKeyWarning(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "foreign_keys")
}

// NewManager opens the whatsmeow device container and returns a manager that
// records session state in repo.
func NewManager(ctx context.Context, repo store.InstanceRepo, opts ...Option) (*Manager, error) {
	cfg := Opts{ReconnectDelay: DefaultReconnectDelay, LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Manager.NewManager: options set", "DBDSN_set", cfg.DBDSN != "", "reconnectDelay", cfg.ReconnectDelay)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("Manager.NewManager: no database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if NeedsForeignKeyWarning(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		slog.Error("Manager.NewManager: failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	slog.Debug("Manager.NewManager: WhatsApp DB store initialized", "driver", dbDriver)

	return newManager(container, repo, cfg), nil
}

func newManager(container *sqlstore.Container, repo store.InstanceRepo, cfg Opts) *Manager {
	return &Manager{
		container:      container,
		repo:           repo,
		events:         make(chan session.Event, DefaultEventBufferSize),
		qrWriter:       cfg.QRWriter,
		reconnectDelay: cfg.ReconnectDelay,
		logLevel:       cfg.LogLevel,
		connect:        (*whatsmeow.Client).Connect,
		sessions:       make(map[string]*waSession),
	}
}

// Events returns the channel of session lifecycle events.
func (m *Manager) Events() <-chan session.Event {
	return m.events
}

// CreateSession starts (or returns) the named session. A session without a
// paired device begins the QR login flow; codes show up in Status and on the
// event channel. A session whose setup fails is forgotten, so the next call
// starts over.
func (m *Manager) CreateSession(ctx context.Context, name string) (models.SessionStatus, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.SessionStatus{}, ErrEmptySessionName
	}

	m.mu.Lock()
	if s, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		slog.Debug("Manager.CreateSession: session already exists", "session", name)
		return s.snapshot(), nil
	}
	s := &waSession{name: name, status: models.SessionStatus{Name: name, State: models.SessionStatePending, LastSeen: time.Now()}}
	m.sessions[name] = s
	m.mu.Unlock()

	if err := m.repo.UpsertInstance(ctx, name); err != nil {
		slog.Error("Manager.CreateSession: failed to register instance", "session", name, "error", err)
	}

	client, err := m.newClient(ctx, name)
	if err != nil {
		return m.abandon(s, err)
	}
	client.EnableAutoReconnect = false
	client.AddEventHandler(func(evt interface{}) { m.onEvent(s, evt) })
	s.setClient(client)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			return m.abandon(s, fmt.Errorf("failed to start QR login for %s: %w", name, err))
		}
		if err := m.connect(client); err != nil {
			return m.abandon(s, fmt.Errorf("failed to connect %s to WhatsApp during login: %w", name, err))
		}
		go m.consumeQR(s, qrChan)
		slog.Info("Manager.CreateSession: login required, QR flow started", "session", name)
	} else {
		slog.Debug("Manager.CreateSession: device already paired, connecting", "session", name)
		if err := m.connect(client); err != nil {
			slog.Error("Manager.CreateSession: failed to connect", "session", name, "error", err)
			m.setState(s, models.SessionStateDisconnected, "", "")
			m.scheduleReconnect(s)
			return s.snapshot(), fmt.Errorf("failed to connect %s to WhatsApp: %w", name, err)
		}
	}
	return s.snapshot(), nil
}

// abandon records a failed setup and drops the session from the registry.
// A paired session that merely failed to connect is not abandoned; it waits
// for its reconnect instead.
func (m *Manager) abandon(s *waSession, err error) (models.SessionStatus, error) {
	slog.Error("Manager.CreateSession: session setup failed", "session", s.name, "error", err)
	m.setState(s, models.SessionStateError, "", "")

	m.mu.Lock()
	if m.sessions[s.name] == s {
		delete(m.sessions, s.name)
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.destroyed = true
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}

	m.emit(session.Event{Session: s.name, Type: session.EventError, Err: err.Error(), Time: time.Now()})
	return s.snapshot(), err
}

// newClient loads the paired device recorded for name, or a fresh one.
func (m *Manager) newClient(ctx context.Context, name string) (*whatsmeow.Client, error) {
	inst, err := m.repo.GetInstance(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load instance %s: %w", name, err)
	}

	device := m.container.NewDevice()
	if inst.DeviceJID != "" {
		jid, err := types.ParseJID(inst.DeviceJID)
		if err != nil {
			slog.Warn("Manager.newClient: stored device JID is invalid, starting fresh", "session", name, "jid", inst.DeviceJID, "error", err)
		} else if existing, err := m.container.GetDevice(ctx, jid); err != nil {
			return nil, fmt.Errorf("failed to load device for %s: %w", name, err)
		} else if existing != nil {
			device = existing
		} else {
			slog.Warn("Manager.newClient: paired device missing from store, starting fresh", "session", name, "jid", inst.DeviceJID)
		}
	}
	return whatsmeow.NewClient(device, waLog.Stdout("Client/"+name, m.logLevel, true)), nil
}

func (m *Manager) consumeQR(s *waSession, qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			slog.Debug("Manager.consumeQR: login code received", "session", s.name)
			m.setState(s, models.SessionStateScanning, "", evt.Code)
			m.emit(session.Event{Session: s.name, Type: session.EventQR, QRCode: evt.Code, Time: time.Now()})
			if m.qrWriter != nil {
				fmt.Fprintf(m.qrWriter, "Scan to log in session %q:\n", s.name)
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, m.qrWriter)
			}
		case "success":
			slog.Info("Manager.consumeQR: login succeeded", "session", s.name)
		default:
			slog.Warn("Manager.consumeQR: login ended", "session", s.name, "event", evt.Event)
			if s.snapshot().State != models.SessionStateConnected {
				m.setState(s, models.SessionStateDisconnected, "", "")
				m.emit(session.Event{Session: s.name, Type: session.EventDisconnected, Time: time.Now()})
			}
		}
	}
}

// onEvent maps whatsmeow events to session state.
func (m *Manager) onEvent(s *waSession, evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		slog.Info("Manager.onEvent: device paired", "session", s.name, "jid", v.ID.String())
		if err := m.repo.SetInstanceDevice(context.Background(), s.name, v.ID.String()); err != nil {
			slog.Error("Manager.onEvent: failed to record device", "session", s.name, "error", err)
		}
		m.setState(s, models.SessionStateScanning, v.ID.User, "")
	case *events.Connected:
		phone := ""
		if c := s.wa(); c != nil && c.Store != nil && c.Store.ID != nil {
			phone = c.Store.ID.User
		}
		slog.Info("Manager.onEvent: session connected", "session", s.name, "phone", phone)
		m.setState(s, models.SessionStateConnected, phone, "")
		m.emit(session.Event{Session: s.name, Type: session.EventConnected, Phone: phone, Time: time.Now()})
	case *events.Disconnected:
		slog.Warn("Manager.onEvent: session disconnected", "session", s.name)
		m.setState(s, models.SessionStateDisconnected, "", "")
		m.emit(session.Event{Session: s.name, Type: session.EventDisconnected, Time: time.Now()})
		m.scheduleReconnect(s)
	case *events.LoggedOut:
		slog.Warn("Manager.onEvent: session logged out", "session", s.name, "reason", v.Reason.String())
		if err := m.repo.SetInstanceDevice(context.Background(), s.name, ""); err != nil {
			slog.Error("Manager.onEvent: failed to clear device", "session", s.name, "error", err)
		}
		m.setState(s, models.SessionStateDisconnected, "", "")
		m.emit(session.Event{Session: s.name, Type: session.EventLoggedOut, Time: time.Now()})
	case *events.StreamReplaced:
		slog.Warn("Manager.onEvent: stream replaced by another client", "session", s.name)
		m.setState(s, models.SessionStateDisconnected, "", "")
		m.emit(session.Event{Session: s.name, Type: session.EventDisconnected, Time: time.Now()})
	}
}

func (m *Manager) setState(s *waSession, state models.SessionState, phone, qr string) {
	s.mu.Lock()
	s.status.State = state
	if phone != "" {
		s.status.Phone = phone
	}
	s.status.QRCode = qr
	s.status.LastSeen = time.Now()
	s.mu.Unlock()

	if err := m.repo.UpdateInstanceStatus(context.Background(), s.name, state, phone, qr); err != nil {
		slog.Error("Manager.setState: failed to persist status", "session", s.name, "status", state, "error", err)
	}
}

// emit forwards an event without blocking the whatsmeow event loop for long.
func (m *Manager) emit(ev session.Event) {
	select {
	case m.events <- ev:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Manager.emit: events channel blocked, dropping event", "session", ev.Session, "type", ev.Type)
	}
}

func (m *Manager) scheduleReconnect(s *waSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.reconnect != nil {
		return
	}
	slog.Info("Manager.scheduleReconnect: reconnecting later", "session", s.name, "delay", m.reconnectDelay)
	s.reconnect = time.AfterFunc(m.reconnectDelay, func() {
		s.mu.Lock()
		s.reconnect = nil
		destroyed, client := s.destroyed, s.client
		s.mu.Unlock()
		if destroyed || client == nil || client.IsConnected() {
			return
		}
		if err := m.connect(client); err != nil {
			slog.Error("Manager.scheduleReconnect: reconnect failed", "session", s.name, "error", err)
			m.scheduleReconnect(s)
		}
	})
}

// Restore reconnects every persisted session that has a paired device.
func (m *Manager) Restore(ctx context.Context) error {
	instances, err := m.repo.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	restored := 0
	for _, inst := range instances {
		if inst.DeviceJID == "" {
			continue
		}
		if _, err := m.CreateSession(ctx, inst.Name); err != nil {
			slog.Error("Manager.Restore: failed to restore session", "session", inst.Name, "error", err)
			continue
		}
		restored++
	}
	slog.Info("Manager.Restore: sessions restored", "count", restored, "known", len(instances))
	return nil
}

// DestroySession logs the session out, disconnects it and forgets its device.
func (m *Manager) DestroySession(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	s.mu.Lock()
	s.destroyed = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	client := s.client
	s.mu.Unlock()

	if client != nil {
		if client.IsLoggedIn() {
			if err := client.Logout(ctx); err != nil {
				slog.Warn("Manager.DestroySession: logout failed", "session", name, "error", err)
			}
		}
		client.Disconnect()
	}
	if err := m.repo.SetInstanceDevice(ctx, name, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Manager.DestroySession: failed to clear device", "session", name, "error", err)
	}
	m.setState(s, models.SessionStateDisconnected, "", "")
	m.emit(session.Event{Session: name, Type: session.EventLoggedOut, Time: time.Now()})
	slog.Info("Manager.DestroySession: session destroyed", "session", name)
	return nil
}

// Status returns the live status of one session.
func (m *Manager) Status(name string) (models.SessionStatus, bool) {
	m.mu.RLock()
	s, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return models.SessionStatus{}, false
	}
	return s.snapshot(), true
}

// Statuses returns the live status of every session, sorted by name.
func (m *Manager) Statuses() []models.SessionStatus {
	m.mu.RLock()
	out := make([]models.SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.SessionStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// IsConnected reports whether the session is connected and logged in.
func (m *Manager) IsConnected(name string) bool {
	m.mu.RLock()
	s, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	client := s.wa()
	return client != nil && client.IsConnected() && client.IsLoggedIn()
}

// Client returns a sender bound to the named session.
func (m *Manager) Client(name string) (session.Client, bool) {
	m.mu.RLock()
	s, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	client := s.wa()
	if client == nil {
		return nil, false
	}
	return NewSender(client), true
}

// Close disconnects every session without logging out.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*waSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.destroyed = true
		if s.reconnect != nil {
			s.reconnect.Stop()
		}
		client := s.client
		s.mu.Unlock()
		if client != nil {
			client.Disconnect()
		}
	}
	slog.Info("Manager.Close: all sessions disconnected", "count", len(sessions))
}

