package folio

import (
	"context"
	_ "embed"
	"log/slog"

	"github.com/aretw0/folio/internal/logging"
	"github.com/aretw0/folio/pkg/adapters/file"
	"github.com/aretw0/folio/pkg/adapters/memory"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/aretw0/folio/pkg/session"
)

// Version is the release version, read from the VERSION file.
//
//go:embed VERSION
var Version string

// Engine is the high-level entry point for embedding folio in another program.
// It wires a notebook store to a session manager.
type Engine struct {
	store       ports.NotebookStore
	logger      *slog.Logger
	sessionOpts []session.Option
	manager     *session.Manager
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore replaces the default store.
func WithStore(store ports.NotebookStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLogger sets the logger shared by the engine's sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSessionOptions passes options through to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(e *Engine) {
		e.sessionOpts = append(e.sessionOpts, opts...)
	}
}

// New creates an engine keeping notebooks as JSON files in dir. An empty dir keeps them in
// memory.
func New(dir string, opts ...Option) *Engine {
	e := &Engine{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		if dir == "" {
			e.store = memory.NewStore()
		} else {
			e.store = file.New(dir)
		}
	}

	sessionOpts := append([]session.Option{session.WithLogger(e.logger)}, e.sessionOpts...)
	e.manager = session.NewManager(e.store, sessionOpts...)
	return e
}

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager {
	return e.manager
}

// Store returns the notebook store.
func (e *Engine) Store() ports.NotebookStore {
	return e.store
}

// Connect registers client on the notebook's session, opening it if needed.
func (e *Engine) Connect(ctx context.Context, notebookID string, client session.Client, opts ...session.RegisterOption) (*session.Session, error) {
	return e.manager.Connect(ctx, notebookID, client, opts...)
}

// Close saves every open notebook and stops all sessions.
func (e *Engine) Close(ctx context.Context) error {
	return e.manager.Close(ctx)
}
