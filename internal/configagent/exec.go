package configagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// Result is the outcome of one external configuration step.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// Err returns a non-nil error when the step exited non-zero.
func (r Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	if line := lastLine(r.Output); line != "" {
		return fmt.Errorf("exit status %d: %s", r.ExitCode, line)
	}
	return fmt.Errorf("exit status %d", r.ExitCode)
}

// ExecConfig configures an ExecAgent.
type ExecConfig struct {
	GenKeyScript  string // invoked with every node name
	SendKeyScript string // invoked as "<script> new <name>"
	RootDevice    string
	Dir           string        // working directory for the scripts
	Timeout       time.Duration // per command, 0 means no limit
	UsePTY        bool          // run commands on a pseudo-terminal
	Stream        io.Writer     // live copy of command output, may be nil
}

// ExecAgent runs the key scripts and ssh-based resize as local processes.
type ExecAgent struct {
	cfg    ExecConfig
	stream io.Writer
}

// NewExecAgent creates an ExecAgent with defaults for unset fields.
func NewExecAgent(cfg ExecConfig) *ExecAgent {
	if cfg.GenKeyScript == "" {
		cfg.GenKeyScript = "./genkey.sh"
	}
	if cfg.SendKeyScript == "" {
		cfg.SendKeyScript = "./sendkey.sh"
	}
	if cfg.RootDevice == "" {
		cfg.RootDevice = "/dev/sda1"
	}
	a := &ExecAgent{cfg: cfg}
	if cfg.Stream != nil {
		a.stream = &syncWriter{w: cfg.Stream}
	}
	return a
}

// GenerateKeys runs the key generation script once for all names.
func (a *ExecAgent) GenerateKeys(ctx context.Context, names []string) (Result, error) {
	return a.run(ctx, a.cfg.GenKeyScript, names...)
}

// SendKey distributes credentials to one node.
func (a *ExecAgent) SendKey(ctx context.Context, name string) (Result, error) {
	return a.run(ctx, a.cfg.SendKeyScript, "new", name)
}

// Resize grows the root filesystem of node over ssh.
func (a *ExecAgent) Resize(ctx context.Context, node *compute.Node) (Result, error) {
	return a.run(ctx, "ssh", "-o", "StrictHostKeyChecking=no", node.Label(), "sudo resize2fs -f "+a.cfg.RootDevice)
}

func (a *ExecAgent) run(ctx context.Context, name string, args ...string) (Result, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = a.cfg.Dir
	cmd.Env = os.Environ()

	buf := &lockedBuffer{}
	out := io.Writer(buf)
	if a.stream != nil {
		out = io.MultiWriter(buf, a.stream)
	}

	var err error
	if a.cfg.UsePTY {
		err = runPTY(cmd, out)
	} else {
		// Own process group so a timeout kills the whole tree.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
		cmd.Stdout = out
		cmd.Stderr = out
		err = cmd.Run()
	}

	res := Result{Output: buf.String()}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 && ctx.Err() != nil {
				return res, fmt.Errorf("%s: %w", name, ctx.Err())
			}
		case ctx.Err() != nil:
			return res, fmt.Errorf("%s: %w", name, ctx.Err())
		default:
			return res, fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return res, nil
}

// runPTY runs cmd with its terminal attached to a pty, copying everything it
// prints to out.
func runPTY(cmd *exec.Cmd, out io.Writer) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	copied := make(chan struct{})
	go func() {
		// Reads fail with EIO once the child side closes.
		_, _ = io.Copy(out, ptmx)
		close(copied)
	}()

	err = cmd.Wait()
	select {
	case <-copied:
	case <-time.After(time.Second):
	}
	return err
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// lockedBuffer collects output that may still be arriving from a pty reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
