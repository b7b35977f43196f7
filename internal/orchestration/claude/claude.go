// Package claude drives headless Claude Code sessions through the CLI's
// stream-json output. Each delivery spawns one --print process; the
// upstream session ID from the first init event threads --resume through
// subsequent deliveries so the conversation persists across processes.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/zjrosen/legion/internal/log"
	"github.com/zjrosen/legion/internal/orchestration/client"
)

func init() {
	client.RegisterAdapter(client.AdapterClaude, func(cfg client.AdapterConfig) client.Adapter {
		return New(cfg)
	})
}

// binary is the CLI entry point. Container sessions go through the docker
// wrapper instead.
const binary = "claude"

// Adapter runs Claude Code headlessly for one minion session.
type Adapter struct {
	cfg            client.AdapterConfig
	commandFactory client.CommandFactoryFunc
	lookPath       func(string) (string, error)

	mu         sync.Mutex
	started    bool
	terminated bool
	upstreamID string
	cancel     context.CancelFunc
	inflight   sync.WaitGroup
}

// New creates a claude adapter. The upstream binding, if any, comes from
// the session record so a restarted daemon resumes the same conversation.
func New(cfg client.AdapterConfig) *Adapter {
	return &Adapter{
		cfg:            cfg,
		commandFactory: exec.CommandContext,
		lookPath:       exec.LookPath,
		upstreamID:     cfg.UpstreamSessionID,
	}
}

// WithCommandFactory overrides command creation for tests. Binary lookup is
// skipped too, since the factory decides what actually runs.
func (a *Adapter) WithCommandFactory(factory client.CommandFactoryFunc) *Adapter {
	a.commandFactory = factory
	a.lookPath = func(string) (string, error) { return binary, nil }
	return a
}

// Start verifies the CLI is reachable and signals readiness. No process is
// spawned until the first delivery.
func (a *Adapter) Start(context.Context) bool {
	a.mu.Lock()
	if a.started || a.terminated {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	if os.Getenv(client.NestedSessionEnvVar) != "" {
		log.Error(log.CatClient, "Refusing to start inside an upstream session",
			"sessionID", a.cfg.SessionID)
		if a.cfg.OnError != nil {
			a.cfg.OnError(fmt.Errorf("%s is set: already inside an upstream session", client.NestedSessionEnvVar), true)
		}
		return false
	}

	if !a.cfg.UseContainer {
		if _, err := a.lookPath(binary); err != nil {
			log.ErrorErr(log.CatClient, "Claude CLI not found", err,
				"sessionID", a.cfg.SessionID)
			if a.cfg.OnError != nil {
				a.cfg.OnError(fmt.Errorf("claude binary not found: %w", err), true)
			}
			return false
		}
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	if a.upstreamID != "" && a.cfg.OnUpstreamID != nil {
		a.cfg.OnUpstreamID(a.upstreamID)
	}
	if a.cfg.OnActive != nil {
		a.cfg.OnActive()
	}
	return true
}

// SendMessage spawns a headless process for one delivery and streams its
// events through the message callback. Returns false if the adapter is not
// running or the process could not be spawned; the stream itself is
// consumed asynchronously.
func (a *Adapter) SendMessage(ctx context.Context, content string) bool {
	a.mu.Lock()
	if !a.started || a.terminated {
		a.mu.Unlock()
		return false
	}
	procCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	resume := a.upstreamID
	a.mu.Unlock()

	name, args := a.buildCommand(resume, content)
	log.Debug(log.CatClient, "Spawning claude process",
		"sessionID", a.cfg.SessionID, "args", strings.Join(args, " "))

	cmd := a.commandFactory(procCtx, name, args...)
	cmd.Dir = a.cfg.WorkingDir
	if a.cfg.UseContainer {
		cmd.Env = a.cfg.Container.Env()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		a.reportError(fmt.Errorf("stdout pipe: %w", err), false)
		return false
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		a.reportError(fmt.Errorf("stderr pipe: %w", err), false)
		return false
	}

	if err := cmd.Start(); err != nil {
		cancel()
		a.reportError(fmt.Errorf("start claude process: %w", err), false)
		return false
	}

	a.inflight.Add(2)
	go a.drainStderr(stderr)
	go func() {
		defer a.inflight.Done()
		defer cancel()
		a.streamEvents(procCtx, stdout)
		if err := cmd.Wait(); err != nil && procCtx.Err() == nil {
			a.reportError(fmt.Errorf("claude process exited: %w", err), false)
		}
	}()

	return true
}

// Terminate cancels any in-flight process and refuses further work.
func (a *Adapter) Terminate() {
	a.mu.Lock()
	a.terminated = true
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.inflight.Wait()
}

// buildCommand constructs the CLI invocation for one delivery.
func (a *Adapter) buildCommand(resume, prompt string) (string, []string) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}

	if resume != "" {
		args = append(args, "--resume", resume)
	}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if a.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", a.cfg.SystemPrompt)
	}
	for _, tool := range a.cfg.Tools {
		args = append(args, "--allowed-tools", tool)
	}
	if a.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", a.cfg.PermissionMode)
	}

	// The -- separator keeps the prompt from being eaten by a flag.
	args = append(args, "--", prompt)

	if a.cfg.UseContainer {
		return a.cfg.Container.WrapperPath, args
	}
	return binary, args
}

// streamEvents reads stdout line by line, forwarding each decoded event to
// the message callback and capturing the upstream session binding from the
// init event.
func (a *Adapter) streamEvents(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Tool results can carry whole files; the default limit is too small.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			log.Debug(log.CatClient, "Unparseable stream line",
				"sessionID", a.cfg.SessionID, "error", err.Error())
			continue
		}

		a.captureUpstreamID(event)

		if a.cfg.OnMessage != nil {
			a.cfg.OnMessage(map[string]any{"sdk_message": event})
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.reportError(fmt.Errorf("stdout scanner: %w", err), false)
	}
}

// captureUpstreamID records the session ID from the init event so the next
// delivery resumes the same upstream conversation.
func (a *Adapter) captureUpstreamID(event map[string]any) {
	typ, _ := event["type"].(string)
	subtype, _ := event["subtype"].(string)
	if typ != "system" || subtype != "init" {
		return
	}
	id, _ := event["session_id"].(string)
	if id == "" {
		return
	}

	a.mu.Lock()
	changed := a.upstreamID != id
	a.upstreamID = id
	a.mu.Unlock()

	if changed && a.cfg.OnUpstreamID != nil {
		a.cfg.OnUpstreamID(id)
	}
}

func (a *Adapter) drainStderr(stderr io.Reader) {
	defer a.inflight.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debug(log.CatClient, "claude stderr",
			"sessionID", a.cfg.SessionID, "line", scanner.Text())
	}
}

func (a *Adapter) reportError(err error, fatal bool) {
	log.ErrorErr(log.CatClient, "Claude adapter error", err, "sessionID", a.cfg.SessionID)
	if a.cfg.OnError != nil {
		a.cfg.OnError(err, fatal)
	}
}

var _ client.Adapter = (*Adapter)(nil)
