package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/folio/internal/logging"
	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/observability"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/aretw0/folio/pkg/processor"
	"github.com/google/uuid"
)

// Defaults applied by NewManager.
const (
	DefaultGracePeriod = 30 * time.Second
	DefaultLockTTL     = 30 * time.Second
	DefaultSaveTimeout = 10 * time.Second
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// LauncherFactory returns the kernel launcher for a notebook.
type LauncherFactory func(notebookID string) kernel.Launcher

// Manager owns the live sessions of one process.
// Per-notebook locks are reference counted so unused entries are garbage collected.
type Manager struct {
	store ports.NotebookStore

	mu    sync.Mutex            // guards locks
	locks map[string]*lockEntry // active per-notebook locks

	smu      sync.Mutex
	sessions map[string]*Session
	closed   bool

	locker      ports.DistributedLocker
	lockTTL     time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
	grace       time.Duration
	autosave    time.Duration
	saveTimeout time.Duration
	launchers   LauncherFactory
	kernelOpts  []kernel.ManagerOption
	pipeline    func() *processor.Pipeline
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking around loads and saves.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets how long a distributed lock is held before it expires on its own.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.lockTTL = ttl
	}
}

// WithLogger configures a logger for the Manager and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records session activity.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithGracePeriod sets how long a session without clients waits before it saves and closes.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		m.grace = d
	}
}

// WithAutosave saves modified notebooks every interval. Zero disables autosave.
func WithAutosave(interval time.Duration) Option {
	return func(m *Manager) {
		m.autosave = interval
	}
}

// WithSaveTimeout bounds each save issued by a session worker.
func WithSaveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.saveTimeout = d
	}
}

// WithKernel gives every session a kernel. Without it sessions run with no kernel and
// execute actions fail with kernel.ErrKernelUnavailable.
func WithKernel(factory LauncherFactory, opts ...kernel.ManagerOption) Option {
	return func(m *Manager) {
		m.launchers = factory
		m.kernelOpts = opts
	}
}

// WithPipeline sets how each session builds its processor pipeline.
func WithPipeline(build func() *processor.Pipeline) Option {
	return func(m *Manager) {
		m.pipeline = build
	}
}

// NewManager creates a new Session Manager with the given notebook store.
func NewManager(store ports.NotebookStore, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		locks:       make(map[string]*lockEntry),
		sessions:    make(map[string]*Session),
		lockTTL:     DefaultLockTTL,
		logger:      logging.NewNop(), // Default to no-op
		grace:       DefaultGracePeriod,
		saveTimeout: DefaultSaveTimeout,
		pipeline:    processor.Default,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(id) after unlocking.
func (m *Manager) acquire(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		entry = &lockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// WithLock executes fn while holding the lock for the notebook.
func (m *Manager) WithLock(ctx context.Context, notebookID string, fn func(context.Context) error) error {
	entry := m.acquire(notebookID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(notebookID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, notebookID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"notebook_id", notebookID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Open returns the live session of a notebook, loading it from the store first if needed.
// A notebook missing from the store is created empty and saved right away.
func (m *Manager) Open(ctx context.Context, notebookID string) (*Session, error) {
	if s, err := m.lookup(notebookID); s != nil || err != nil {
		return s, err
	}

	var s *Session
	err := m.WithLock(ctx, notebookID, func(ctx context.Context) error {
		// Another caller may have opened it while we waited for the lock.
		existing, err := m.lookup(notebookID)
		if existing != nil || err != nil {
			s = existing
			return err
		}

		nb, err := m.store.Load(ctx, notebookID)
		switch {
		case errors.Is(err, ports.ErrNotebookNotFound):
			nb = notebook.New(notebookID, uuid.NewString())
			if err := m.store.Save(ctx, nb); err != nil {
				return &StorageError{Op: "save", NotebookID: notebookID, Err: err}
			}
			m.logger.Info("notebook created", "notebook_id", notebookID)
		case err != nil:
			return &StorageError{Op: "load", NotebookID: notebookID, Err: err}
		}
		if err := nb.Validate(); err != nil {
			return fmt.Errorf("notebook %s: %w", notebookID, err)
		}

		m.smu.Lock()
		defer m.smu.Unlock()
		if m.closed {
			return ErrManagerClosed
		}
		s = newSession(m, nb)
		m.sessions[notebookID] = s
		m.metrics.SessionOpened()
		s.start()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("session opened", "notebook_id", notebookID)
	return s, nil
}

// Connect opens the notebook's session and registers client on it. A session that closes
// between the two steps is reopened.
func (m *Manager) Connect(ctx context.Context, notebookID string, client Client, opts ...RegisterOption) (*Session, error) {
	for range 3 {
		s, err := m.Open(ctx, notebookID)
		if err != nil {
			return nil, err
		}
		err = s.Register(ctx, client, opts...)
		if errors.Is(err, ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrSessionClosed
}

// Get returns the live session of a notebook, if there is one.
func (m *Manager) Get(notebookID string) (*Session, bool) {
	m.smu.Lock()
	defer m.smu.Unlock()
	s, ok := m.sessions[notebookID]
	return s, ok
}

// Info describes a live session.
type Info struct {
	NotebookID string       `json:"notebookId"`
	Clients    int          `json:"clients"`
	Kernel     kernel.State `json:"kernel"`
}

// List describes every live session, ordered by notebook id.
func (m *Manager) List() []Info {
	m.smu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.smu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.NotebookID, b.NotebookID) })
	return infos
}

// Store returns the underlying notebook store.
func (m *Manager) Store() ports.NotebookStore {
	return m.store
}

// Close saves every session, stops their kernels and disconnects their clients.
func (m *Manager) Close(ctx context.Context) error {
	m.smu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.smu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(notebookID string) (*Session, error) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return m.sessions[notebookID], nil
}

// remove drops s from the live set. It is a no-op if s was already replaced.
func (m *Manager) remove(s *Session) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		m.metrics.SessionClosed()
	}
}
