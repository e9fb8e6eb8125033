package kernel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/kernel/kerneltest"
	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recorder struct {
	mu     sync.Mutex
	events []kernel.Event
}

func (r *recorder) handle(ev kernel.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if s, ok := ev.(*kernel.KernelStatus); ok && s.Context() == nil {
			out = append(out, s.State)
		}
	}
	return out
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func newTestManager(t *testing.T, fake *kerneltest.FakeKernel, opts ...kernel.ManagerOption) (*kernel.Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]kernel.ManagerOption{kernel.WithBackOff(fastBackOff), kernel.WithStopTimeout(time.Second)}, opts...)
	return kernel.NewManager(fake, rec.handle, opts...), rec
}

func shutdown(t *testing.T, m *kernel.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := kerneltest.New("key")
	m, rec := newTestManager(t, fake)
	assert.Equal(t, kernel.StateStopped, m.State())

	_, err := m.Execute(context.Background(), kernel.ExecuteRequest{Code: "1"})
	assert.ErrorIs(t, err, kernel.ErrKernelUnavailable)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, kernel.StateRunning, m.State())
	assert.Error(t, m.Start(context.Background()), "second start")

	call, err := m.Execute(context.Background(), kernel.ExecuteRequest{Code: "x = 1"})
	require.NoError(t, err)
	reply, err := wait(t, call)
	require.NoError(t, err)
	assert.True(t, reply.Success)

	shutdown(t, m)
	assert.Equal(t, kernel.StateStopped, m.State())
	assert.Equal(t, 1, fake.Launches())
	assert.Equal(t, []string{kernel.StatusStarting}, rec.statuses())
}

func TestManager_UnexpectedTerminationRestarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := kerneltest.New("key")
	m, rec := newTestManager(t, fake)
	require.NoError(t, m.Start(context.Background()))
	defer shutdown(t, m)

	fake.Hold()
	call, err := m.Execute(context.Background(), kernel.ExecuteRequest{Code: "long()"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fake.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	fake.Crash()

	_, err = wait(t, call)
	assert.ErrorIs(t, err, kernel.ErrKernelUnavailable)

	require.Eventually(t, func() bool {
		return m.State() == kernel.StateRunning && fake.Launches() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.statuses(), kernel.StatusRestarting)

	// The interrupted request is not replayed on the new kernel.
	assert.Equal(t, []string{"long()"}, fake.Requests())

	fake.Release()
	call, err = m.Execute(context.Background(), kernel.ExecuteRequest{Code: "after()"})
	require.NoError(t, err)
	_, err = wait(t, call)
	require.NoError(t, err)
}

func TestManager_RestartLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := kerneltest.New("key")
	m, rec := newTestManager(t, fake, kernel.WithMaxRestarts(2))
	require.NoError(t, m.Start(context.Background()))
	defer shutdown(t, m)

	fake.FailLaunches(10)
	fake.Crash()

	require.Eventually(t, func() bool { return m.State() == kernel.StateStopped }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, fake.Launches())
	require.Eventually(t, func() bool {
		s := rec.statuses()
		return len(s) > 0 && s[len(s)-1] == kernel.StatusDead
	}, time.Second, 5*time.Millisecond)

	_, err := m.Execute(context.Background(), kernel.ExecuteRequest{Code: "1"})
	assert.ErrorIs(t, err, kernel.ErrKernelUnavailable)
}

func TestManager_UserRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := kerneltest.New("key")
	m, rec := newTestManager(t, fake)
	require.NoError(t, m.Start(context.Background()))
	defer shutdown(t, m)

	fake.Hold()
	call, err := m.Execute(context.Background(), kernel.ExecuteRequest{Code: "pending()"})
	require.NoError(t, err)

	require.NoError(t, m.Restart(context.Background()))
	assert.Equal(t, kernel.StateRunning, m.State())
	assert.Equal(t, 2, fake.Launches())

	_, err = wait(t, call)
	assert.ErrorIs(t, err, kernel.ErrKernelUnavailable)
	assert.Equal(t, []string{kernel.StatusStarting, kernel.StatusRestarting}, rec.statuses())
}

func TestManager_StartFailure(t *testing.T) {
	fake := kerneltest.New("key")
	fake.FailLaunches(1)
	m, rec := newTestManager(t, fake)

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, kerneltest.ErrLaunch)
	assert.Equal(t, kernel.StateStopped, m.State())
	assert.Equal(t, []string{kernel.StatusStarting, kernel.StatusDead}, rec.statuses())
}
