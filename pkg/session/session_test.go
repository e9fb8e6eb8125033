package session_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/folio/pkg/adapters/memory"
	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/kernel/kerneltest"
	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/aretw0/folio/pkg/session"
	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var errDiskFull = errors.New("disk full")

// flakyStore fails every save while failing is set.
type flakyStore struct {
	*memory.Store
	failing atomic.Bool
}

func (s *flakyStore) Save(ctx context.Context, nb *notebook.Notebook) error {
	if s.failing.Load() {
		return errDiskFull
	}
	return s.Store.Save(ctx, nb)
}

func seed(t *testing.T, store ports.NotebookStore) {
	t.Helper()
	nb := notebook.New("nb1", "ws1")
	nb.Worksheets[0].Cells = []*notebook.Cell{
		{ID: "A", Type: notebook.CellCode, Source: "print(1)", Metadata: map[string]any{}, Outputs: []notebook.Output{}},
		{ID: "B", Type: notebook.CellMarkdown, Source: "# notes", Metadata: map[string]any{"meta": "data"}, Outputs: []notebook.Output{}},
		{ID: "C", Type: notebook.CellCode, Source: "raise oops", Metadata: map[string]any{}, Outputs: []notebook.Output{}},
	}
	require.NoError(t, store.Save(context.Background(), nb))
}

func newManager(t *testing.T, opts ...session.Option) (*session.Manager, *flakyStore) {
	t.Helper()
	store := &flakyStore{Store: memory.NewStore()}
	seed(t, store)
	opts = append([]session.Option{session.WithGracePeriod(time.Hour)}, opts...)
	return session.NewManager(store, opts...), store
}

func closeManager(t *testing.T, m *session.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.Close(ctx)
}

func connect(t *testing.T, m *session.Manager, id string, opts ...session.RegisterOption) (*session.Session, *session.Outbox) {
	t.Helper()
	out := session.NewOutbox(id, 64)
	s, err := m.Connect(context.Background(), "nb1", out, opts...)
	require.NoError(t, err)
	snapshot := recv(t, out)
	require.Equal(t, session.TypeSnapshot, snapshot.Type)
	return s, out
}

func recv(t *testing.T, out *session.Outbox) *session.Message {
	t.Helper()
	select {
	case msg := <-out.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for a message", out.ID())
		return nil
	}
}

// recvType skips messages until one of the given type arrives.
func recvType(t *testing.T, out *session.Outbox, typ session.MessageType) *session.Message {
	t.Helper()
	for {
		if msg := recv(t, out); msg.Type == typ {
			return msg
		}
	}
}

func assertQuiet(t *testing.T, out *session.Outbox) {
	t.Helper()
	select {
	case msg := <-out.Messages():
		t.Fatalf("%s: unexpected %s message", out.ID(), msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func source(s string) *string { return &s }

func TestSession_RegisterSendsSnapshot(t *testing.T) {
	m, store := newManager(t)
	defer closeManager(t, m)

	out := session.NewOutbox("c1", 8)
	_, err := m.Connect(context.Background(), "nb1", out)
	require.NoError(t, err)

	msg := recv(t, out)
	assert.Equal(t, session.TypeSnapshot, msg.Type)
	assert.Equal(t, "c1", msg.ConnectionID)
	assert.Equal(t, kernel.StateStopped, msg.Kernel)

	stored, err := store.Load(context.Background(), "nb1")
	require.NoError(t, err)
	if diff := cmp.Diff(stored, msg.Notebook); diff != "" {
		t.Errorf("snapshot mismatch (-stored +snapshot):\n%s", diff)
	}
}

func TestManager_OpenCreatesMissingNotebook(t *testing.T) {
	m, store := newManager(t)
	defer closeManager(t, m)

	s, err := m.Open(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.ID())

	nb, err := store.Load(context.Background(), "fresh")
	require.NoError(t, err)
	require.Len(t, nb.Worksheets, 1)
	assert.Empty(t, nb.Worksheets[0].Cells)

	again, err := m.Open(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, []session.Info{{NotebookID: "fresh", Kernel: kernel.StateStopped}}, m.List())
}

func TestSession_UpdateBroadcastToAllInOrder(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	_, c2 := connect(t, m, "c2")
	ctx := context.Background()

	_, err := s.Submit(ctx, "c1", &notebook.UpdateCell{
		ActionBase: notebook.ActionBase{RequestID: "r1"}, WorksheetID: "ws1", CellID: "A", Source: source("print(2)"),
	})
	require.NoError(t, err)
	_, err = s.Submit(ctx, "c2", &notebook.UpdateCell{
		ActionBase: notebook.ActionBase{RequestID: "r2"}, WorksheetID: "ws1", CellID: "B",
		Metadata: map[string]any{"more": "meta"},
	})
	require.NoError(t, err)

	for _, out := range []*session.Outbox{c1, c2} {
		first := recv(t, out)
		require.Equal(t, session.TypeUpdate, first.Type)
		assert.Equal(t, "r1", first.RequestID)
		assert.Equal(t, "c1", first.ConnectionID)
		assert.Equal(t, "print(2)", *first.Update.(*notebook.CellUpdate).Source)

		second := recv(t, out)
		assert.Equal(t, "r2", second.RequestID)
		assert.Equal(t, map[string]any{"more": "meta"}, second.Update.(*notebook.CellUpdate).Metadata)
	}

	nb, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"meta": "data", "more": "meta"}, nb.Worksheets[0].Cells[1].Metadata)
}

func TestSession_ReplicaConvergesByReplayingUpdates(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	ctx := context.Background()
	replica, err := s.Snapshot(ctx)
	require.NoError(t, err)

	actions := []notebook.Action{
		&notebook.AddCell{WorksheetID: "ws1", CellID: "D", InsertAfter: source("A")},
		&notebook.MoveCell{SourceWorksheetID: "ws1", DestinationWorksheetID: "ws1", CellID: "C"},
		&notebook.DeleteCell{WorksheetID: "ws1", CellID: "B"},
		&notebook.ClearOutputs{},
	}
	for _, a := range actions {
		_, err := s.Submit(ctx, "c1", a)
		require.NoError(t, err)
		msg := recv(t, c1)
		require.NoError(t, notebook.ApplyUpdate(replica, msg.Update))
		// The originator already applied it; a second apply changes nothing.
		require.NoError(t, notebook.ApplyUpdate(replica, msg.Update))
	}

	authoritative, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "D"}, authoritative.CellIDs("ws1"))
	if diff := cmp.Diff(authoritative, replica); diff != "" {
		t.Errorf("replica diverged (-server +replica):\n%s", diff)
	}
}

func TestSession_ErrorOnlyToOriginator(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	_, c2 := connect(t, m, "c2")

	_, err := s.Submit(context.Background(), "c1", &notebook.DeleteCell{
		ActionBase: notebook.ActionBase{RequestID: "r1"}, WorksheetID: "ws1", CellID: "missing",
	})
	assert.ErrorIs(t, err, notebook.ErrNotFound)

	msg := recv(t, c1)
	assert.Equal(t, session.TypeError, msg.Type)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, session.CodeNotFound, msg.Error.Code)
	assertQuiet(t, c2)
}

func TestSession_SubmitJSON(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	ctx := context.Background()

	err := s.SubmitJSON(ctx, "c1", []byte(`{"name":"cell.explode","requestId":"r9"}`))
	assert.ErrorIs(t, err, notebook.ErrValidation)
	msg := recv(t, c1)
	assert.Equal(t, session.TypeError, msg.Type)
	assert.Equal(t, "r9", msg.RequestID)
	assert.Equal(t, session.CodeValidation, msg.Error.Code)

	require.NoError(t, s.SubmitJSON(ctx, "c1", []byte(`{"name":"cell.clearOutput","requestId":"r10","worksheetId":"ws1","cellId":"A"}`)))
	msg = recv(t, c1)
	assert.Equal(t, session.TypeUpdate, msg.Type)
	assert.True(t, msg.Update.(*notebook.CellUpdate).ReplaceOutputs)
}

func TestSession_ReadOnlyClient(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, viewer := connect(t, m, "viewer", session.ReadOnly())
	_, editor := connect(t, m, "editor")

	_, err := s.Submit(context.Background(), "viewer", &notebook.ClearOutputs{})
	assert.Error(t, err)
	assert.Equal(t, session.CodeReadOnly, recv(t, viewer).Error.Code)
	assertQuiet(t, editor)
}

func TestSession_UnknownConnection(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, _ := connect(t, m, "c1")
	_, err := s.Submit(context.Background(), "ghost", &notebook.ClearOutputs{})
	assert.ErrorIs(t, err, session.ErrUnknownConnection)

	err = s.Register(context.Background(), session.NewOutbox("c1", 1))
	assert.ErrorIs(t, err, session.ErrDuplicateConnection)
}

func TestSession_SlowClientIsDisconnected(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, fast := connect(t, m, "fast")
	slow := session.NewOutbox("slow", 1)
	require.NoError(t, s.Register(context.Background(), slow))
	// The snapshot fills the slow client's buffer and is left unread.

	_, err := s.Submit(context.Background(), "fast", &notebook.ClearOutputs{})
	require.NoError(t, err)

	assert.Equal(t, session.TypeUpdate, recv(t, fast).Type)
	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not disconnected")
	}
	assert.Equal(t, 1, s.Info().Clients)
}

func TestSession_ClientVanishingMidBroadcast(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	_, c2 := connect(t, m, "c2")
	_, c3 := connect(t, m, "c3")
	require.NoError(t, c2.Close())

	_, err := s.Submit(context.Background(), "c3", &notebook.ClearOutputs{})
	require.NoError(t, err)

	assert.Equal(t, session.TypeUpdate, recv(t, c1).Type)
	assert.Equal(t, session.TypeUpdate, recv(t, c3).Type)
	assert.Equal(t, 2, s.Info().Clients)
}

func TestSession_GraceTeardownSaves(t *testing.T) {
	m, store := newManager(t, session.WithGracePeriod(20*time.Millisecond))
	defer closeManager(t, m)

	s, _ := connect(t, m, "c1")
	ctx := context.Background()
	_, err := s.Submit(ctx, "c1", &notebook.UpdateCell{WorksheetID: "ws1", CellID: "A", Source: source("saved()")})
	require.NoError(t, err)
	require.NoError(t, s.Unregister(ctx, "c1"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down")
	}
	_, ok := m.Get("nb1")
	assert.False(t, ok)

	nb, err := store.Load(ctx, "nb1")
	require.NoError(t, err)
	assert.Equal(t, "saved()", nb.Worksheets[0].Cells[0].Source)

	_, err = s.Submit(ctx, "c1", &notebook.ClearOutputs{})
	assert.ErrorIs(t, err, session.ErrSessionClosed)

	// A new connection gets a fresh session loaded from the saved notebook.
	reopened, _ := connect(t, m, "c2")
	assert.NotSame(t, s, reopened)
}

func TestSession_ReconnectDuringGraceKeepsSession(t *testing.T) {
	m, _ := newManager(t, session.WithGracePeriod(100*time.Millisecond))
	defer closeManager(t, m)

	s, _ := connect(t, m, "c1")
	require.NoError(t, s.Unregister(context.Background(), "c1"))
	again, _ := connect(t, m, "c2")
	assert.Same(t, s, again)

	select {
	case <-s.Done():
		t.Fatal("session torn down while a client was connected")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestSession_SaveFailureKeepsSession(t *testing.T) {
	m, store := newManager(t, session.WithGracePeriod(20*time.Millisecond))
	defer closeManager(t, m)

	s, _ := connect(t, m, "c1")
	ctx := context.Background()
	_, err := s.Submit(ctx, "c1", &notebook.UpdateCell{WorksheetID: "ws1", CellID: "A", Source: source("precious()")})
	require.NoError(t, err)

	store.failing.Store(true)
	err = s.Save(ctx)
	var storageErr *session.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, session.CodeStorage, session.ErrorCode(err))

	require.NoError(t, s.Unregister(ctx, "c1"))
	select {
	case <-s.Done():
		t.Fatal("session dropped although its notebook was never saved")
	case <-time.After(150 * time.Millisecond):
	}

	store.failing.Store(false)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down after storage recovered")
	}
	nb, err := store.Load(ctx, "nb1")
	require.NoError(t, err)
	assert.Equal(t, "precious()", nb.Worksheets[0].Cells[0].Source)
}

func TestSession_AutosaveFailureNotifies(t *testing.T) {
	m, store := newManager(t, session.WithAutosave(20*time.Millisecond))
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	store.failing.Store(true)
	_, err := s.Submit(context.Background(), "c1", &notebook.ClearOutputs{})
	require.NoError(t, err)

	msg := recvType(t, c1, session.TypeNotification)
	assert.Equal(t, session.CodeStorage, msg.Error.Code)
	assert.Contains(t, msg.Error.Message, "disk full")
}

func TestManager_CloseSavesEverything(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	s, out := connect(t, m, "c1")
	_, err := s.Submit(ctx, "c1", &notebook.UpdateCell{WorksheetID: "ws1", CellID: "C", Source: source("final()")})
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	<-out.Done()
	assert.Empty(t, m.List())

	nb, err := store.Load(ctx, "nb1")
	require.NoError(t, err)
	assert.Equal(t, "final()", nb.Worksheets[0].Cells[2].Source)

	_, err = m.Open(ctx, "nb1")
	assert.ErrorIs(t, err, session.ErrManagerClosed)
}

func TestSession_ExecuteWithoutKernel(t *testing.T) {
	m, _ := newManager(t)
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	_, err := s.Submit(context.Background(), "c1", &notebook.ExecuteCell{WorksheetID: "ws1", CellID: "A"})
	assert.ErrorIs(t, err, kernel.ErrKernelUnavailable)
	assert.Equal(t, session.CodeKernelUnavailable, recv(t, c1).Error.Code)
	assert.ErrorIs(t, s.RestartKernel(context.Background()), kernel.ErrKernelUnavailable)
}

func withFakeKernel(fake *kerneltest.FakeKernel) session.Option {
	return session.WithKernel(
		func(string) kernel.Launcher { return fake },
		kernel.WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
		kernel.WithStopTimeout(time.Second),
	)
}

func TestSession_KernelOutputBecomesCellUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := kerneltest.New("key")
	m, _ := newManager(t, withFakeKernel(fake))
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	_, c2 := connect(t, m, "c2")
	require.Eventually(t, func() bool { return s.KernelState() == kernel.StateRunning }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	_, err := s.Submit(ctx, "c1", &notebook.ExecuteCell{ActionBase: notebook.ActionBase{RequestID: "run-A"}, WorksheetID: "ws1", CellID: "A"})
	require.NoError(t, err)

	// Both clients see the pending update before anything the kernel reports for it.
	for _, out := range []*session.Outbox{c1, c2} {
		pending := recvType(t, out, session.TypeUpdate)
		cu := pending.Update.(*notebook.CellUpdate)
		assert.Equal(t, "run-A", pending.RequestID)
		assert.Equal(t, notebook.StatusPending, cu.Metadata[notebook.MetaExecutionStatus])
		assert.True(t, cu.ReplaceOutputs)
	}

	// Replies and outputs travel on different kernel channels, so either may come first.
	var output, reply *session.Message
	for output == nil || reply == nil {
		switch msg := recv(t, c2); msg.Type {
		case session.TypeKernelOutput:
			output = msg
		case session.TypeKernelReply:
			reply = msg
		}
	}
	assert.Equal(t, "run-A", output.RequestID)
	assert.Equal(t, "c1", output.ConnectionID)
	assert.True(t, reply.Event.(*kernel.ExecuteReply).Success)

	require.Eventually(t, func() bool {
		nb, err := s.Snapshot(ctx)
		if err != nil {
			return false
		}
		cell := nb.Worksheets[0].Cells[0]
		return cell.Metadata[notebook.MetaExecutionStatus] == notebook.StatusCompleted && len(cell.Outputs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	nb, err := s.Snapshot(ctx)
	require.NoError(t, err)
	cell := nb.Worksheets[0].Cells[0]
	assert.Equal(t, 1, cell.Metadata[notebook.MetaExecutionCounter])
	assert.Equal(t, notebook.Output{Type: notebook.OutputStdout, MimetypeBundle: map[string]any{"text/plain": "print(1)"}}, cell.Outputs[0])
	assert.Equal(t, []string{"print(1)"}, fake.Requests())
}

func TestSession_KernelErrorReply(t *testing.T) {
	fake := kerneltest.New("key")
	m, _ := newManager(t, withFakeKernel(fake))
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	require.Eventually(t, func() bool { return s.KernelState() == kernel.StateRunning }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	_, err := s.Submit(ctx, "c1", &notebook.ExecuteCell{WorksheetID: "ws1", CellID: "C"})
	require.NoError(t, err)

	reply := recvType(t, c1, session.TypeKernelReply).Event.(*kernel.ExecuteReply)
	assert.False(t, reply.Success)
	assert.Equal(t, "Exception", reply.ErrorName)

	require.Eventually(t, func() bool {
		nb, err := s.Snapshot(ctx)
		if err != nil {
			return false
		}
		cell := nb.Worksheets[0].Cells[2]
		return cell.Metadata[notebook.MetaExecutionStatus] == notebook.StatusError &&
			len(cell.Outputs) == 1 && cell.Outputs[0].Type == notebook.OutputError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_KernelCrashFailsExecution(t *testing.T) {
	fake := kerneltest.New("key")
	m, _ := newManager(t, withFakeKernel(fake))
	defer closeManager(t, m)

	s, c1 := connect(t, m, "c1")
	_, c2 := connect(t, m, "c2")
	require.Eventually(t, func() bool { return s.KernelState() == kernel.StateRunning }, 2*time.Second, 5*time.Millisecond)

	fake.Hold()
	ctx := context.Background()
	_, err := s.Submit(ctx, "c1", &notebook.ExecuteCell{ActionBase: notebook.ActionBase{RequestID: "slow"}, WorksheetID: "ws1", CellID: "A"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fake.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	fake.Crash()

	failed := recvType(t, c1, session.TypeError)
	assert.Equal(t, "slow", failed.RequestID)
	assert.Equal(t, session.CodeKernelUnavailable, failed.Error.Code)

	// Everyone hears the kernel is restarting; the error stays with the originator.
	for {
		msg := recv(t, c2)
		require.NotEqual(t, session.TypeError, msg.Type)
		if msg.Type == session.TypeKernelStatus && msg.Event.(*kernel.KernelStatus).State == kernel.StatusRestarting {
			break
		}
	}

	require.Eventually(t, func() bool {
		nb, err := s.Snapshot(ctx)
		return err == nil && nb.Worksheets[0].Cells[0].Metadata[notebook.MetaExecutionStatus] == notebook.StatusAborted
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.KernelState() == kernel.StateRunning }, 2*time.Second, 5*time.Millisecond)
}
