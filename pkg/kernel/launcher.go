package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/aretw0/folio/internal/logging"
	"github.com/google/uuid"
)

// Connection is a launched kernel: its channels and a way to stop it.
type Connection struct {
	Shell   Conn
	IOPub   Conn
	Control Conn // optional
	// Key signs messages on every channel.
	Key string
	// Done is closed when the kernel goes away on its own.
	Done <-chan struct{}
	// Stop terminates the kernel and releases its resources. It must be safe to call once Done
	// is already closed.
	Stop func(ctx context.Context) error
}

// Launcher starts kernels.
type Launcher interface {
	Launch(ctx context.Context) (*Connection, error)
}

// ConnectionInfo is the content of a Jupyter connection file.
type ConnectionInfo struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

func (ci ConnectionInfo) endpoint(port int) string {
	return fmt.Sprintf("%s://%s:%d", ci.Transport, ci.IP, port)
}

// ProcessLauncher runs a kernelspec as a local child process and connects to it over ZeroMQ.
type ProcessLauncher struct {
	spec   Spec
	dir    string
	ip     string
	logger *slog.Logger
}

// ProcessLauncherOption configures a ProcessLauncher.
type ProcessLauncherOption func(*ProcessLauncher)

// WithWorkDir sets the working directory of kernel processes.
func WithWorkDir(dir string) ProcessLauncherOption {
	return func(l *ProcessLauncher) { l.dir = dir }
}

// WithLauncherLogger sets the logger.
func WithLauncherLogger(logger *slog.Logger) ProcessLauncherOption {
	return func(l *ProcessLauncher) { l.logger = logger }
}

// NewProcessLauncher returns a launcher for spec.
func NewProcessLauncher(spec Spec, opts ...ProcessLauncherOption) *ProcessLauncher {
	l := &ProcessLauncher{spec: spec, ip: "127.0.0.1", logger: logging.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch writes a connection file, starts the kernel process and dials its channels.
func (l *ProcessLauncher) Launch(ctx context.Context) (*Connection, error) {
	ports, err := freePorts(l.ip, 5)
	if err != nil {
		return nil, err
	}
	info := ConnectionInfo{
		IP:              l.ip,
		Transport:       "tcp",
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		Key:             uuid.NewString(),
		SignatureScheme: "hmac-sha256",
		KernelName:      l.spec.Name,
	}

	path, err := writeConnectionFile(info)
	if err != nil {
		return nil, err
	}

	argv := l.spec.Command(path)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.dir
	cmd.Env = os.Environ()
	for k, v := range l.spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("start kernel %q: %w", l.spec.Name, err)
	}
	l.logger.Info("kernel process started", "kernel", l.spec.Name, "pid", cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		l.logger.Info("kernel process exited", "kernel", l.spec.Name, "pid", cmd.Process.Pid, "err", err)
		_ = os.Remove(path)
		close(done)
	}()

	stop := func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		default:
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			return nil
		}
	}

	identity := uuid.NewString()
	shell, err := DialShell(ctx, info.endpoint(info.ShellPort), identity)
	if err != nil {
		_ = stop(killNow())
		return nil, err
	}
	control, err := DialShell(ctx, info.endpoint(info.ControlPort), identity)
	if err != nil {
		_ = shell.Close()
		_ = stop(killNow())
		return nil, err
	}
	iopub, err := DialIOPub(ctx, info.endpoint(info.IOPubPort))
	if err != nil {
		_ = shell.Close()
		_ = control.Close()
		_ = stop(killNow())
		return nil, err
	}

	return &Connection{
		Shell:   shell,
		IOPub:   iopub,
		Control: control,
		Key:     info.Key,
		Done:    done,
		Stop:    stop,
	}, nil
}

func killNow() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func writeConnectionFile(info ConnectionInfo) (string, error) {
	f, err := os.CreateTemp("", "kernel-*.json")
	if err != nil {
		return "", fmt.Errorf("create connection file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(info); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write connection file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("sync connection file: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

// freePorts asks the OS for n unused TCP ports. The ports are released before the kernel binds
// them, so a collision is possible but unlikely.
func freePorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for range n {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("reserve port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
