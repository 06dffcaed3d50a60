package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/teslashibe/go-intake/internal/config"
	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/directory"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/protocol"
	"github.com/teslashibe/go-intake/pkg/store"
	"github.com/teslashibe/go-intake/pkg/toolcall"
)

// ErrShutdown is returned by Serve once Shutdown has started.
var ErrShutdown = errors.New("relay: manager is shut down")

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	IdleTimeout     time.Duration
	GreetingTrigger string
	ToolName        string
	Language        string
	Model           string
	Voice           string
	Instructions    *Instructions

	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

// ManagerConfigFrom maps the application config.
func ManagerConfigFrom(cfg *config.Config) (ManagerConfig, error) {
	instr, err := LoadInstructions(cfg.Intake.InstructionsFile)
	if err != nil {
		return ManagerConfig{}, err
	}
	return ManagerConfig{
		IdleTimeout:     cfg.Engine.IdleTimeout.Duration,
		GreetingTrigger: cfg.Intake.GreetingTrigger,
		ToolName:        cfg.Intake.ToolName,
		Language:        cfg.Intake.Language,
		Model:           cfg.Engine.Model,
		Voice:           cfg.Engine.Voice,
		Instructions:    instr,
	}, nil
}

// Manager owns every live session.
type Manager struct {
	engine     engine.Engine
	store      store.Store
	cfg        ManagerConfig
	normalizer *directory.Normalizer
	logger     *slog.Logger
	stats      Stats

	mu        sync.Mutex
	sessions  map[string]*tracked
	listeners []toolcall.Listener
	closed    bool
	wg        sync.WaitGroup
}

type tracked struct {
	session *Session
	cancel  context.CancelFunc
}

// NewManager creates a Manager that connects sessions through eng and
// reads the directory from st.
func NewManager(eng engine.Engine, st store.Store, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.L()
	}
	if cfg.Instructions == nil {
		cfg.Instructions = DefaultInstructions()
	}
	if cfg.ToolName == "" {
		cfg.ToolName = toolcall.DefaultToolName
	}
	return &Manager{
		engine:     eng,
		store:      st,
		cfg:        cfg,
		normalizer: directory.NewNormalizer(cfg.Language),
		logger:     cfg.Logger.With("component", "relay"),
		sessions:   make(map[string]*tracked),
	}
}

// OnRecord registers a listener for every record saved by any session.
func (m *Manager) OnRecord(l toolcall.Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Serve runs one session on ws until it ends.
func (m *Manager) Serve(ctx context.Context, ws Downstream) error {
	sess := NewSession(ws, SessionConfig{
		Engine:          m.engine,
		Prepare:         m.prepare,
		IdleTimeout:     m.cfg.IdleTimeout,
		GreetingTrigger: m.cfg.GreetingTrigger,
		WriteTimeout:    m.cfg.WriteTimeout,
		PingInterval:    m.cfg.PingInterval,
		Logger:          m.cfg.Logger,
		Stats:           &m.stats,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister, err := m.register(sess, cancel)
	if err != nil {
		_ = ws.Close()
		return err
	}
	defer unregister()

	m.stats.sessionStarted()
	defer m.stats.sessionEnded()
	return sess.Run(ctx)
}

func (m *Manager) register(sess *Session, cancel context.CancelFunc) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	m.sessions[sess.ID()] = &tracked{session: sess, cancel: cancel}
	m.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.sessions, sess.ID())
			m.mu.Unlock()
			m.wg.Done()
		})
	}, nil
}

// prepare takes the directory snapshot for a new session.
func (m *Manager) prepare(ctx context.Context, start *protocol.StartConfig) (Plan, error) {
	entries, err := m.store.ListEntries(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("load directory: %w", err)
	}
	snap := directory.NewSnapshot(entries, m.normalizer)

	m.mu.Lock()
	listeners := append([]toolcall.Listener(nil), m.listeners...)
	m.mu.Unlock()

	opts := []toolcall.Option{toolcall.WithToolName(m.cfg.ToolName), toolcall.WithLogger(m.cfg.Logger)}
	for _, l := range listeners {
		opts = append(opts, toolcall.WithListener(l))
	}
	router := toolcall.New(snap, m.store, opts...)

	data := InstructionData{
		Directory: snap.Describe(),
		ToolName:  router.ToolName(),
		Language:  m.normalizer.Tag().String(),
	}
	if start != nil {
		data.AgentName = start.AgentName
		data.OrganizationName = start.OrganizationName
	}
	text, err := m.cfg.Instructions.Render(data)
	if err != nil {
		return Plan{}, err
	}

	return Plan{
		Setup: engine.Setup{
			Instructions: text,
			Tools:        []engine.Tool{toolcall.SubmitTool(router.ToolName())},
			Model:        m.cfg.Model,
			Voice:        m.cfg.Voice,
			Transcribe:   true,
		},
		Router: router,
	}, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Session returns a live session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return t.session, true
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Sessions lists live sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, t := range m.sessions {
		out = append(out, SessionInfo{
			ID:           t.session.ID(),
			State:        t.session.State().String(),
			CreatedAt:    t.session.CreatedAt(),
			LastActivity: t.session.LastActivity(),
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns the current counters.
func (m *Manager) Stats() StatsSnapshot {
	return m.stats.Snapshot()
}

// Shutdown refuses new sessions, closes every live one and waits for them
// to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	n := len(m.sessions)
	for _, t := range m.sessions {
		t.cancel()
	}
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("closing sessions", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
