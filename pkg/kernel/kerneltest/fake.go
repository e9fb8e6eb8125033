// Package kerneltest provides an in-memory kernel for tests.
package kerneltest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/aretw0/folio/pkg/kernel"
)

// ErrLaunch is returned by Launch while launches are set to fail.
var ErrLaunch = errors.New("fake kernel: launch failed")

// FakeKernel is a kernel.Launcher whose kernels run in-process over pipes.
//
// Every execute request answers with a busy status, then one stdout stream carrying the code,
// then the reply, then an idle status. Code starting with "raise " produces an error output and
// an error reply instead.
type FakeKernel struct {
	key string

	mu       sync.Mutex
	launches int
	failing  int
	hold     bool
	held     []*kernel.Message
	requests []string
	counter  int
	current  *instance
}

type instance struct {
	shell   kernel.Conn
	iopub   kernel.Conn
	control kernel.Conn
	codec   *kernel.Codec
	done    chan struct{}
	once    sync.Once
	sendMu  sync.Mutex
}

// New returns a fake kernel launcher signing messages with key.
func New(key string) *FakeKernel {
	return &FakeKernel{key: key}
}

// Launch starts a new in-process kernel.
func (f *FakeKernel) Launch(ctx context.Context) (*kernel.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.launches++
	if f.failing > 0 {
		f.failing--
		f.mu.Unlock()
		return nil, ErrLaunch
	}

	shellClient, shellKernel := kernel.NewPipe()
	iopubClient, iopubKernel := kernel.NewPipe()
	controlClient, controlKernel := kernel.NewPipe()
	inst := &instance{
		shell:   shellKernel,
		iopub:   iopubKernel,
		control: controlKernel,
		codec:   kernel.NewCodec(f.key),
		done:    make(chan struct{}),
	}
	f.current = inst
	f.mu.Unlock()

	go f.serve(inst, inst.shell)
	go f.serve(inst, inst.control)

	return &kernel.Connection{
		Shell:   shellClient,
		IOPub:   iopubClient,
		Control: controlClient,
		Key:     f.key,
		Done:    inst.done,
		Stop: func(context.Context) error {
			inst.stop()
			return nil
		},
	}, nil
}

// Launches returns how many times Launch was called.
func (f *FakeKernel) Launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// FailLaunches makes the next n launches fail.
func (f *FakeKernel) FailLaunches(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = n
}

// Requests returns the code of every execute request received so far.
func (f *FakeKernel) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Hold makes the kernel queue execute requests instead of answering them.
func (f *FakeKernel) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = true
}

// Release answers every held request, in the order given by order (indexes into the held
// queue), or in arrival order when order is empty. Holding stops.
func (f *FakeKernel) Release(order ...int) {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.hold = false
	inst := f.current
	f.mu.Unlock()
	if inst == nil {
		return
	}

	if len(order) == 0 {
		for i := range held {
			order = append(order, i)
		}
	}
	for _, i := range order {
		f.answer(inst, held[i])
	}
}

// Crash makes the running kernel die unexpectedly.
func (f *FakeKernel) Crash() {
	f.mu.Lock()
	inst := f.current
	f.mu.Unlock()
	if inst != nil {
		inst.stop()
	}
}

// Publish sends an iopub message with no parent, as a kernel does for session-wide output.
func (f *FakeKernel) Publish(msgType string, content any) error {
	f.mu.Lock()
	inst := f.current
	f.mu.Unlock()
	if inst == nil {
		return kernel.ErrConnClosed
	}
	return inst.send(inst.iopub, msgType, nil, content)
}

func (f *FakeKernel) serve(inst *instance, conn kernel.Conn) {
	ctx := context.Background()
	for {
		frames, err := conn.Recv(ctx)
		if err != nil {
			return
		}
		msg, err := inst.codec.Decode(frames)
		if err != nil {
			continue
		}
		switch msg.Header.MsgType {
		case "execute_request":
			var content struct {
				Code string `json:"code"`
			}
			_ = json.Unmarshal(msg.Content, &content)

			f.mu.Lock()
			f.requests = append(f.requests, content.Code)
			hold := f.hold
			if hold {
				f.held = append(f.held, msg)
			}
			f.mu.Unlock()
			if !hold {
				f.answer(inst, msg)
			}
		case "shutdown_request":
			_ = inst.send(conn, "shutdown_reply", msg, map[string]bool{"restart": false})
			inst.stop()
			return
		}
	}
}

func (f *FakeKernel) answer(inst *instance, req *kernel.Message) {
	var content struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(req.Content, &content)

	f.mu.Lock()
	f.counter++
	counter := f.counter
	f.mu.Unlock()

	_ = inst.send(inst.iopub, "status", req, map[string]string{"execution_state": kernel.StatusBusy})
	if msg, ok := strings.CutPrefix(content.Code, "raise "); ok {
		_ = inst.send(inst.iopub, "error", req, map[string]any{
			"ename": "Exception", "evalue": msg, "traceback": []string{"Exception: " + msg},
		})
		_ = inst.send(inst.shell, "execute_reply", req, map[string]any{
			"status": "error", "execution_count": counter, "ename": "Exception", "evalue": msg,
			"traceback": []string{"Exception: " + msg},
		})
	} else {
		_ = inst.send(inst.iopub, "stream", req, map[string]string{"name": "stdout", "text": content.Code})
		_ = inst.send(inst.shell, "execute_reply", req, map[string]any{"status": "ok", "execution_count": counter})
	}
	_ = inst.send(inst.iopub, "status", req, map[string]string{"execution_state": kernel.StatusIdle})
}

func (i *instance) send(conn kernel.Conn, msgType string, parent *kernel.Message, content any) error {
	msg, err := i.codec.NewMessage(msgType, content)
	if err != nil {
		return err
	}
	if parent != nil {
		msg.ParentHeader = parent.Header
	}
	frames, err := i.codec.Encode(msg)
	if err != nil {
		return err
	}
	i.sendMu.Lock()
	defer i.sendMu.Unlock()
	return conn.Send(context.Background(), frames)
}

func (i *instance) stop() {
	i.once.Do(func() {
		close(i.done)
		_ = i.shell.Close()
		_ = i.iopub.Close()
		_ = i.control.Close()
	})
}
