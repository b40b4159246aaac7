// Package coordinator manages the queue daemon lifecycle and the tool
// session used to talk to it.
//
// A Coordinator either spawns the daemon as a subprocess speaking the
// tool protocol on stdio, or embeds the tool server in-process over an
// in-memory transport. Call failures of the transport kind surface as
// errors from the typed wrappers; domain outcomes travel inside the
// result envelopes and never become Go errors here.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/capstanhq/capstan/internal/version"
	"github.com/capstanhq/capstan/protocol"
)

// State is the coordinator lifecycle phase.
type State string

const (
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateHandshaking State = "handshaking"
	StateConnected   State = "connected"
	StateError       State = "error"
)

// ErrNotConnected is returned by tool wrappers when no session is live.
var ErrNotConnected = errors.New("not connected")

// Options configures a Coordinator. Zero durations fall back to the
// defaults noted per field.
type Options struct {
	// Command spawns the daemon subprocess. Ignored in embedded mode.
	Command string
	Args    []string
	// Env entries are appended to the current process environment.
	Env []string

	HandshakeTimeout time.Duration // initialize bound, default 10s
	CallTimeout      time.Duration // per tool call, default 30s
	HealthInterval   time.Duration // between health checks, default 30s
	StopGrace        time.Duration // before force-terminate, default 5s

	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator owns one daemon connection.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	session       *mcp.ClientSession
	cmd           *exec.Cmd
	embedded      *protocol.Server
	serverSession *mcp.ServerSession
	healthStop    context.CancelFunc
	healthDone    chan struct{}
}

// New builds a coordinator that spawns opts.Command as the daemon.
func New(opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{opts: opts, logger: opts.Logger, state: StateStopped}
}

// NewEmbedded builds a coordinator that serves srv in-process. Used by
// the CLI against a local database and by tests.
func NewEmbedded(srv *protocol.Server, opts Options) *Coordinator {
	c := New(opts)
	c.embedded = srv
	return c
}

// State reports the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start launches the daemon (or connects the embedded server) and
// performs the protocol handshake within the configured bound. A failed
// spawn or handshake is a hard error and leaves the coordinator in the
// error state.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped && c.state != StateError {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("coordinator already %s", st)
	}
	c.state = StateStarting
	c.mu.Unlock()

	var (
		transport     mcp.Transport
		cmd           *exec.Cmd
		serverSession *mcp.ServerSession
	)
	if c.embedded != nil {
		clientTr, serverTr := mcp.NewInMemoryTransports()
		ss, err := c.embedded.Connect(ctx, serverTr)
		if err != nil {
			c.setState(StateError)
			return fmt.Errorf("start embedded queue: %w", err)
		}
		serverSession = ss
		transport = clientTr
	} else {
		if c.opts.Command == "" {
			c.setState(StateError)
			return errors.New("coordinator: no daemon command configured")
		}
		cmd = exec.Command(c.opts.Command, c.opts.Args...)
		cmd.Env = append(os.Environ(), c.opts.Env...)
		cmd.Stderr = os.Stderr
		transport = &mcp.CommandTransport{Command: cmd}
	}

	c.setState(StateHandshaking)
	c.logger.Debug("connecting to queue daemon", "command", c.opts.Command, "embedded", c.embedded != nil)

	client := mcp.NewClient(&mcp.Implementation{Name: "capstan-coordinator", Version: version.Version}, nil)
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	session, err := client.Connect(hctx, transport, nil)
	if err != nil {
		c.setState(StateError)
		if serverSession != nil {
			serverSession.Close()
		}
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		return fmt.Errorf("handshake with queue daemon: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.cmd = cmd
	c.serverSession = serverSession
	c.state = StateConnected
	hc, stop := context.WithCancel(context.Background())
	c.healthStop = stop
	c.healthDone = make(chan struct{})
	c.mu.Unlock()

	go c.healthLoop(hc)
	c.logger.Info("queue daemon connected")
	return nil
}

// healthLoop issues a status tool call every HealthInterval. A failed
// check is logged and the session kept; transport failures will surface
// on the next real call.
func (c *Coordinator) healthLoop(ctx context.Context) {
	defer close(c.healthDone)
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := c.GetTaskStatus(ctx, protocol.GetTaskStatusArgs{})
			if err != nil {
				c.logger.Warn("health check failed", "error", err)
				continue
			}
			if st.SystemStatus != nil {
				c.logger.Debug("health check ok", "total_tasks", st.SystemStatus.Total)
			}
		}
	}
}

// Stop closes the session, giving the daemon StopGrace to exit before
// being killed. Stopping an already-stopped coordinator is a no-op.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.state = StateStopped
		c.mu.Unlock()
		return nil
	}
	session := c.session
	cmd := c.cmd
	serverSession := c.serverSession
	healthStop := c.healthStop
	healthDone := c.healthDone
	c.session = nil
	c.cmd = nil
	c.serverSession = nil
	c.healthStop = nil
	c.healthDone = nil
	c.state = StateStopped
	c.mu.Unlock()

	if healthStop != nil {
		healthStop()
		<-healthDone
	}

	done := make(chan error, 1)
	go func() {
		err := session.Close()
		if serverSession != nil {
			if cerr := serverSession.Close(); err == nil {
				err = cerr
			}
		}
		done <- err
	}()

	select {
	case err := <-done:
		c.logger.Info("queue daemon stopped")
		return err
	case <-time.After(c.opts.StopGrace):
		if cmd != nil && cmd.Process != nil {
			c.logger.Warn("graceful stop timed out, killing daemon", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
		}
		return fmt.Errorf("stop timed out after %s", c.opts.StopGrace)
	}
}

// EnqueueTask adds a task to the queue.
func (c *Coordinator) EnqueueTask(ctx context.Context, args protocol.EnqueueTaskArgs) (*protocol.EnqueueTaskResult, error) {
	var out protocol.EnqueueTaskResult
	if err := c.callTool(ctx, "enqueue_task", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNextTask claims the best ready task for the given filter.
func (c *Coordinator) GetNextTask(ctx context.Context, args protocol.GetNextTaskArgs) (*protocol.GetNextTaskResult, error) {
	var out protocol.GetNextTaskResult
	if err := c.callTool(ctx, "get_next_task", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteTask finalizes a claimed task.
func (c *Coordinator) CompleteTask(ctx context.Context, args protocol.CompleteTaskArgs) (*protocol.CompleteTaskResult, error) {
	var out protocol.CompleteTaskResult
	if err := c.callTool(ctx, "complete_task", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTaskStatus inspects the queue.
func (c *Coordinator) GetTaskStatus(ctx context.Context, args protocol.GetTaskStatusArgs) (*protocol.GetTaskStatusResult, error) {
	var out protocol.GetTaskStatusResult
	if err := c.callTool(ctx, "get_task_status", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Coordinator) callTool(ctx context.Context, name string, args, out any) error {
	c.mu.Lock()
	session := c.session
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || session == nil {
		return fmt.Errorf("%w: coordinator is %s", ErrNotConnected, state)
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	res, err := session.CallTool(cctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	if res.IsError {
		return fmt.Errorf("call %s: %s", name, resultText(res))
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		return fmt.Errorf("encode %s result: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

func resultText(res *mcp.CallToolResult) string {
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool error"
}
