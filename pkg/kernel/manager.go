package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/folio/internal/logging"
	"github.com/cenkalti/backoff"
)

// State is the lifecycle state of a managed kernel.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
)

// DefaultMaxRestarts bounds automatic relaunches after the kernel dies unexpectedly.
const DefaultMaxRestarts = 5

// Manager owns the lifecycle of one kernel for one session.
//
// Unexpected termination moves the kernel to restarting: every in-flight call fails with
// ErrKernelUnavailable, nothing is replayed, and the kernel is relaunched with exponential
// backoff until MaxRestarts attempts have failed.
type Manager struct {
	launcher    Launcher
	handler     Handler
	logger      *slog.Logger
	maxRestarts int
	stopTimeout time.Duration
	newBackOff  func() backoff.BackOff

	ops sync.Mutex // serializes Start, Restart and Shutdown

	mu     sync.Mutex
	state  State
	gen    uint64
	client *Client
	conn   *Connection
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager and the clients it creates.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMaxRestarts sets how many relaunch attempts follow an unexpected termination.
func WithMaxRestarts(n int) ManagerOption {
	return func(m *Manager) { m.maxRestarts = n }
}

// WithStopTimeout bounds how long a kernel gets to exit before it is killed.
func WithStopTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.stopTimeout = d }
}

// WithBackOff sets the relaunch delay policy.
func WithBackOff(factory func() backoff.BackOff) ManagerOption {
	return func(m *Manager) { m.newBackOff = factory }
}

// NewManager returns a stopped manager. Events from the kernel, including lifecycle
// transitions, go to handler.
func NewManager(launcher Launcher, handler Handler, opts ...ManagerOption) *Manager {
	m := &Manager{
		launcher:    launcher,
		handler:     handler,
		logger:      logging.NewNop(),
		maxRestarts: DefaultMaxRestarts,
		stopTimeout: 5 * time.Second,
		state:       StateStopped,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.handler == nil {
		m.handler = func(Event) {}
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the kernel. It fails if the kernel is not stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	if m.state != StateStopped {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("start kernel: already %s", state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	m.emit(StatusStarting)
	return m.launch(ctx)
}

// Execute sends an execute request to the running kernel.
func (m *Manager) Execute(ctx context.Context, req ExecuteRequest) (*Call, error) {
	m.mu.Lock()
	client := m.client
	running := m.state == StateRunning
	m.mu.Unlock()

	if !running || client == nil {
		return nil, ErrKernelUnavailable
	}
	return client.Execute(ctx, req)
}

// Restart stops the current kernel, failing its in-flight calls, and launches a new one.
func (m *Manager) Restart(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	client, conn := m.detachLocked(StateRestarting)
	m.mu.Unlock()

	m.emit(StatusRestarting)
	m.teardown(client, conn, true)
	return m.launch(ctx)
}

// Shutdown stops the kernel and waits for background supervision to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	client, conn := m.detachLocked(StateStopped)
	m.mu.Unlock()

	if client != nil {
		sendCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := client.RequestShutdown(sendCtx, false); err != nil {
			m.logger.Debug("shutdown request not delivered", "err", err)
		}
		cancel()
	}
	m.teardown(client, conn, false)

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

// detachLocked ends the current generation and hands back its resources.
func (m *Manager) detachLocked(next State) (*Client, *Connection) {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	client, conn := m.client, m.conn
	m.client, m.conn = nil, nil
	m.state = next
	return client, conn
}

func (m *Manager) teardown(client *Client, conn *Connection, graceful bool) {
	switch {
	case client != nil:
		_ = client.Close()
	case conn != nil:
		_ = conn.Shell.Close()
		_ = conn.IOPub.Close()
		if conn.Control != nil {
			_ = conn.Control.Close()
		}
	}
	if conn != nil && conn.Stop != nil {
		timeout := m.stopTimeout
		if !graceful {
			timeout = m.stopTimeout / 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := conn.Stop(ctx); err != nil {
			m.logger.Warn("kernel stop failed", "err", err)
		}
		cancel()
	}
}

func (m *Manager) launch(ctx context.Context) error {
	conn, err := m.launcher.Launch(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		m.emit(StatusDead)
		return fmt.Errorf("launch kernel: %w", err)
	}

	m.mu.Lock()
	m.attachLocked(conn)
	m.mu.Unlock()
	m.logger.Info("kernel running")
	return nil
}

// attachLocked starts a new generation around conn.
func (m *Manager) attachLocked(conn *Connection) {
	m.gen++
	gen := m.gen
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())

	opts := []ClientOption{WithClientLogger(m.logger)}
	if conn.Control != nil {
		opts = append(opts, WithControl(conn.Control))
	}
	client := NewClient(conn.Shell, conn.IOPub, NewCodec(conn.Key), m.handler, opts...)

	m.client, m.conn, m.cancel = client, conn, cancel
	m.state = StateRunning

	m.wg.Add(1)
	go m.supervise(ctx, gen, client, conn)
}

func (m *Manager) supervise(ctx context.Context, gen uint64, client *Client, conn *Connection) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-conn.Done:
	case <-client.Done():
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.client, m.conn = nil, nil
	m.state = StateRestarting
	m.mu.Unlock()

	m.logger.Warn("kernel terminated unexpectedly, restarting")
	m.teardown(client, conn, false)
	m.emit(StatusRestarting)
	m.relaunch(ctx, gen)
}

func (m *Manager) relaunch(ctx context.Context, gen uint64) {
	b := m.newBackOff()
	b.Reset()
	for attempt := 1; attempt <= m.maxRestarts; attempt++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		conn, err := m.launcher.Launch(ctx)
		if err != nil {
			m.logger.Warn("kernel relaunch failed", "attempt", attempt, "err", err)
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			m.teardown(nil, conn, false)
			return
		}
		m.attachLocked(conn)
		m.mu.Unlock()
		m.logger.Info("kernel relaunched", "attempt", attempt)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	m.mu.Unlock()
	m.logger.Error("kernel restart limit reached", "max_restarts", m.maxRestarts)
	m.emit(StatusDead)
}

func (m *Manager) emit(status string) {
	m.handler(&KernelStatus{State: status})
}
