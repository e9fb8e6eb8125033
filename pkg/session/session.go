package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/observability"
	"github.com/aretw0/folio/pkg/processor"
)

// Session is one open notebook shared by every client connected to it.
type Session struct {
	id       string
	owner    *Manager
	logger   *slog.Logger
	metrics  *observability.Metrics
	pipeline *processor.Pipeline
	kernel   *kernel.Manager

	inbox    chan func()
	events   *eventQueue
	stopCh   chan struct{}
	stopOnce sync.Once
	quit     chan struct{}
	closeErr error

	ctx           context.Context
	cancel        context.CancelFunc
	kernelStarted chan struct{}
	wg            sync.WaitGroup

	clients atomic.Int64

	// Owned by the worker goroutine.
	nb      *notebook.Notebook
	members []*member
	dirty   bool
	grace   *time.Timer
}

type member struct {
	client   Client
	readOnly bool
}

// callFailed is queued when an execute call ends without a reply.
type callFailed struct {
	origin *kernel.RequestContext
	err    error
}

// RegisterOption configures a registration.
type RegisterOption func(*registration)

type registration struct {
	readOnly bool
}

// ReadOnly registers a client whose actions are all rejected.
func ReadOnly() RegisterOption {
	return func(r *registration) { r.readOnly = true }
}

func newSession(m *Manager, nb *notebook.Notebook) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       nb.ID,
		owner:    m,
		logger:   m.logger.With("notebook_id", nb.ID),
		metrics:  m.metrics,
		pipeline: m.pipeline(),
		inbox:    make(chan func()),
		events:   newEventQueue(),
		stopCh:   make(chan struct{}),
		quit:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		nb:       nb,
	}
	if m.launchers != nil {
		opts := append([]kernel.ManagerOption{kernel.WithLogger(s.logger)}, m.kernelOpts...)
		s.kernel = kernel.NewManager(m.launchers(nb.ID), s.events.pushEvent, opts...)
	}
	return s
}

func (s *Session) start() {
	if s.kernel != nil {
		s.kernelStarted = make(chan struct{})
		go func() {
			defer close(s.kernelStarted)
			if err := s.kernel.Start(s.ctx); err != nil {
				s.logger.Warn("kernel failed to start", "err", err)
			}
		}()
	}
	go s.run()
}

// ID returns the notebook id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.quit }

// KernelState reports the state of the session's kernel.
func (s *Session) KernelState() kernel.State {
	if s.kernel == nil {
		return kernel.StateStopped
	}
	return s.kernel.State()
}

// Info describes the session.
func (s *Session) Info() Info {
	return Info{NotebookID: s.id, Clients: int(s.clients.Load()), Kernel: s.KernelState()}
}

// Register attaches client and sends it a full snapshot of the notebook before any other
// message.
func (s *Session) Register(ctx context.Context, client Client, opts ...RegisterOption) error {
	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}
	return s.do(ctx, func() error {
		if s.member(client.ID()) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateConnection, client.ID())
		}
		snapshot := &Message{
			Type:         TypeSnapshot,
			ConnectionID: client.ID(),
			Notebook:     s.nb.Clone(),
			Kernel:       s.KernelState(),
		}
		if err := client.Send(snapshot); err != nil {
			return fmt.Errorf("send snapshot: %w", err)
		}
		s.members = append(s.members, &member{client: client, readOnly: reg.readOnly})
		s.clients.Add(1)
		s.metrics.ClientRegistered()
		s.stopGrace()
		s.logger.Info("client registered", "connection_id", client.ID(), "clients", len(s.members))
		return nil
	})
}

// Unregister detaches a connection. When the last client leaves the grace period starts.
func (s *Session) Unregister(ctx context.Context, connectionID string) error {
	return s.do(ctx, func() error {
		if m := s.member(connectionID); m != nil {
			s.drop(m, false)
		}
		return nil
	})
}

// Submit runs action through the pipeline on behalf of a registered connection. The
// resulting Update is broadcast to every client, the originator included. On failure only the
// originator is told.
func (s *Session) Submit(ctx context.Context, connectionID string, action notebook.Action) (notebook.Update, error) {
	var update notebook.Update
	err := s.do(ctx, func() error {
		var err error
		update, err = s.handle(ctx, connectionID, action)
		return err
	})
	return update, err
}

// SubmitJSON decodes a wire action and submits it. A malformed action is reported to the
// connection like any other rejected action.
func (s *Session) SubmitJSON(ctx context.Context, connectionID string, data []byte) error {
	action, err := notebook.DecodeAction(data)
	if err != nil {
		var envelope struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(data, &envelope)
		return s.do(ctx, func() error {
			s.sendTo(connectionID, errorMessage(envelope.RequestID, err))
			return err
		})
	}
	_, err = s.Submit(ctx, connectionID, action)
	return err
}

// Snapshot returns a copy of the current notebook.
func (s *Session) Snapshot(ctx context.Context) (*notebook.Notebook, error) {
	var nb *notebook.Notebook
	err := s.do(ctx, func() error {
		nb = s.nb.Clone()
		return nil
	})
	return nb, err
}

// Save writes the notebook to the store now.
func (s *Session) Save(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.save(ctx, true)
	})
}

// RestartKernel restarts the kernel. In-flight executions fail.
func (s *Session) RestartKernel(ctx context.Context) error {
	if s.kernel == nil {
		return kernel.ErrKernelUnavailable
	}
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}
	return s.kernel.Restart(ctx)
}

// do runs fn on the worker and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.inbox <- func() { result <- fn() }:
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.quit:
		return s.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.quit)

	var autosave <-chan time.Time
	if s.owner.autosave > 0 {
		ticker := time.NewTicker(s.owner.autosave)
		defer ticker.Stop()
		autosave = ticker.C
	}
	s.startGrace()

	for {
		select {
		case cmd := <-s.inbox:
			cmd()
		case <-s.events.ready():
			for _, item := range s.events.drain() {
				s.dispatch(item)
			}
		case <-s.graceC():
			if s.expire() {
				return
			}
		case <-autosave:
			s.autosave()
		case <-s.stopCh:
			s.closeErr = s.shutdown()
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, connectionID string, action notebook.Action) (notebook.Update, error) {
	m := s.member(connectionID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}

	name, requestID := "unknown", ""
	if action != nil {
		name, requestID = string(action.Name()), action.Base().RequestID
	}

	started := time.Now()
	res, err := s.pipeline.Run(ctx, action, &processor.Context{
		Notebook:     s.nb,
		Kernel:       s.executor(),
		ConnectionID: connectionID,
		ReadOnly:     m.readOnly,
	})
	if err != nil {
		s.metrics.ActionProcessed(name, ErrorCode(err), time.Since(started))
		s.logger.Debug("action rejected", "connection_id", connectionID, "action", name, "err", err)
		s.sendTo(connectionID, errorMessage(requestID, err))
		return nil, err
	}
	s.metrics.ActionProcessed(name, "ok", time.Since(started))

	if res.Update != nil {
		s.dirty = true
		s.broadcast(&Message{Type: TypeUpdate, RequestID: requestID, ConnectionID: connectionID, Update: res.Update})
	}
	for _, exec := range res.Executions {
		s.watch(exec)
	}
	return res.Update, nil
}

// executor hides a missing kernel behind a nil interface.
func (s *Session) executor() processor.Executor {
	if s.kernel == nil {
		return nil
	}
	return s.kernel
}

// watch reports executions that end without a reply, which happens when the kernel dies.
func (s *Session) watch(exec processor.Execution) {
	if exec.Call == nil {
		err := exec.Err
		if err == nil {
			err = kernel.ErrKernelUnavailable
		}
		s.executionFailed(exec.Origin, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-exec.Call.Done():
		case <-s.ctx.Done():
			return
		}
		if _, err := exec.Call.Wait(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.events.push(&callFailed{origin: exec.Origin, err: err})
		}
	}()
}

func (s *Session) dispatch(item any) {
	switch item := item.(type) {
	case kernel.Event:
		s.onKernelEvent(item)
	case *callFailed:
		s.executionFailed(item.origin, item.err)
	}
}

func (s *Session) onKernelEvent(ev kernel.Event) {
	var kind string
	switch ev.(type) {
	case *kernel.KernelStatus:
		kind = "status"
	case *kernel.OutputData:
		kind = "output"
	case *kernel.ExecuteReply:
		kind = "reply"
	}
	s.metrics.KernelEvent(kind)
	s.broadcast(kernelMessage(ev))

	origin := ev.Context()
	if origin == nil || origin.CellID == "" {
		return
	}
	ws, cell, ok := s.nb.FindCell(origin.CellID)
	if !ok {
		s.logger.Debug("kernel event for a deleted cell", "cell_id", origin.CellID)
		return
	}

	switch ev := ev.(type) {
	case *kernel.OutputData:
		s.applyServerUpdate(&notebook.CellUpdate{
			WorksheetID: ws.ID,
			CellID:      cell.ID,
			Outputs:     []notebook.Output{ev.Output()},
			OutputIndex: len(cell.Outputs),
		})
	case *kernel.ExecuteReply:
		meta := map[string]any{notebook.MetaExecutionStatus: replyStatus(ev)}
		if ev.ExecutionCounter != nil {
			meta[notebook.MetaExecutionCounter] = *ev.ExecutionCounter
		}
		s.applyServerUpdate(&notebook.CellUpdate{WorksheetID: ws.ID, CellID: cell.ID, Metadata: meta})
	}
}

func replyStatus(reply *kernel.ExecuteReply) string {
	switch {
	case reply.Success:
		return notebook.StatusCompleted
	case reply.Aborted:
		return notebook.StatusAborted
	default:
		return notebook.StatusError
	}
}

// executionFailed marks the cell aborted and tells the connection that asked for it.
func (s *Session) executionFailed(origin *kernel.RequestContext, err error) {
	if origin == nil {
		return
	}
	s.logger.Warn("execution failed", "cell_id", origin.CellID, "err", err)
	if ws, cell, ok := s.nb.FindCell(origin.CellID); ok {
		s.applyServerUpdate(&notebook.CellUpdate{
			WorksheetID: ws.ID,
			CellID:      cell.ID,
			Metadata:    map[string]any{notebook.MetaExecutionStatus: notebook.StatusAborted},
		})
	}
	s.sendTo(origin.ConnectionID, errorMessage(origin.RequestID, err))
}

func (s *Session) applyServerUpdate(u notebook.Update) {
	if err := notebook.ApplyUpdate(s.nb, u); err != nil {
		s.logger.Error("server update failed", "update", u.Name(), "err", err)
		return
	}
	s.dirty = true
	s.broadcast(&Message{Type: TypeUpdate, Update: u})
}

// broadcast sends msg to every client. A client that fails is dropped and the rest still
// receive the message.
func (s *Session) broadcast(msg *Message) {
	for _, m := range slices.Clone(s.members) {
		if err := m.client.Send(msg); err != nil {
			s.disconnect(m, err)
		}
	}
}

func (s *Session) sendTo(connectionID string, msg *Message) {
	m := s.member(connectionID)
	if m == nil {
		return
	}
	if err := m.client.Send(msg); err != nil {
		s.disconnect(m, err)
	}
}

func (s *Session) disconnect(m *member, err error) {
	slow := errors.Is(err, ErrBufferFull)
	s.logger.Warn("disconnecting client", "connection_id", m.client.ID(), "slow", slow, "err", err)
	s.drop(m, slow)
}

func (s *Session) drop(m *member, slow bool) {
	i := slices.Index(s.members, m)
	if i < 0 {
		return
	}
	s.members = slices.Delete(s.members, i, i+1)
	_ = m.client.Close()
	s.clients.Add(-1)
	s.metrics.ClientUnregistered(slow)
	s.logger.Info("client unregistered", "connection_id", m.client.ID(), "clients", len(s.members))
	if len(s.members) == 0 {
		s.startGrace()
	}
}

func (s *Session) member(connectionID string) *member {
	for _, m := range s.members {
		if m.client.ID() == connectionID {
			return m
		}
	}
	return nil
}

func (s *Session) startGrace() {
	s.stopGrace()
	s.grace = time.NewTimer(s.owner.grace)
}

func (s *Session) stopGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

func (s *Session) graceC() <-chan time.Time {
	if s.grace == nil {
		return nil
	}
	return s.grace.C
}

// expire saves and tears the session down if it still has no clients. A failed save keeps
// the session and starts another grace period.
func (s *Session) expire() bool {
	s.grace = nil
	if len(s.members) > 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.owner.saveTimeout)
	defer cancel()
	err := s.owner.WithLock(ctx, s.id, func(ctx context.Context) error {
		if err := s.persist(ctx, false); err != nil {
			return err
		}
		s.owner.remove(s)
		return nil
	})
	if err != nil {
		s.logger.Error("save before teardown failed, keeping session", "err", err)
		s.startGrace()
		return false
	}

	s.stopKernel()
	s.finish()
	s.logger.Info("session closed")
	return true
}

func (s *Session) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.owner.saveTimeout)
	defer cancel()
	err := s.save(ctx, false)
	if err != nil {
		s.logger.Error("final save failed", "err", err)
	}
	s.owner.remove(s)
	s.stopKernel()
	s.finish()
	return err
}

func (s *Session) autosave() {
	if !s.dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.owner.saveTimeout)
	defer cancel()
	if err := s.save(ctx, false); err != nil {
		s.logger.Warn("autosave failed", "err", err)
		s.broadcast(&Message{Type: TypeNotification, Error: &ErrorBody{Code: ErrorCode(err), Message: err.Error()}})
	}
}

// save persists the notebook under the notebook lock. Every failure is a StorageError.
func (s *Session) save(ctx context.Context, force bool) error {
	err := s.owner.WithLock(ctx, s.id, func(ctx context.Context) error {
		return s.persist(ctx, force)
	})
	var storageErr *StorageError
	if err != nil && !errors.As(err, &storageErr) {
		err = &StorageError{Op: "save", NotebookID: s.id, Err: err}
	}
	return err
}

// persist writes the notebook. The caller holds the notebook lock.
func (s *Session) persist(ctx context.Context, force bool) error {
	if !s.dirty && !force {
		return nil
	}
	err := s.owner.store.Save(ctx, s.nb)
	s.metrics.NotebookSaved(err)
	if err != nil {
		return &StorageError{Op: "save", NotebookID: s.id, Err: err}
	}
	s.dirty = false
	s.logger.Debug("notebook saved")
	return nil
}

func (s *Session) stopKernel() {
	s.cancel()
	if s.kernel == nil {
		return
	}
	<-s.kernelStarted
	ctx, cancel := context.WithTimeout(context.Background(), s.owner.saveTimeout)
	defer cancel()
	if err := s.kernel.Shutdown(ctx); err != nil {
		s.logger.Warn("kernel shutdown failed", "err", err)
	}
}

// finish disconnects every client and waits for background goroutines.
func (s *Session) finish() {
	s.stopGrace()
	for _, m := range s.members {
		_ = m.client.Close()
		s.metrics.ClientUnregistered(false)
	}
	s.members = nil
	s.clients.Store(0)
	s.cancel()
	s.wg.Wait()
}

// eventQueue is an unbounded mailbox between kernel goroutines and the session worker, so a
// kernel never blocks on a busy session.
type eventQueue struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) pushEvent(ev kernel.Event) {
	q.push(ev)
}

func (q *eventQueue) push(item any) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) ready() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
