// Package process supervises native helper processes started on behalf of
// plugins. Helpers are tracked per plugin and terminated when the plugin is
// unloaded or the supervisor is closed.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	gprocess "github.com/shirou/gopsutil/v3/process"

	"trustgate/internal/domain"
)

// Config holds supervisor limits.
type Config struct {
	MaxPerPlugin    int           // running helpers per plugin (default: 4)
	OutputBufferMax int           // bytes of output kept per stream (default: 256KiB)
	TerminateGrace  time.Duration // time between interrupt and kill (default: 5s)
}

var validPluginID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type entry struct {
	session    domain.ProcessSession
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	stdout     *tailBuffer
	stderr     *tailBuffer
	stdoutRead int64
	stderrRead int64
	done       chan struct{}
}

// Supervisor tracks helper processes keyed by session ID.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*entry
	cfg      Config
	bus      domain.EventBus
	logger   *slog.Logger
	closed   bool
}

// New creates a Supervisor. bus may be nil.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if cfg.MaxPerPlugin <= 0 {
		cfg.MaxPerPlugin = 4
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 256 * 1024
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 5 * time.Second
	}
	return &Supervisor{
		sessions: make(map[string]*entry),
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
	}
}

// Start launches command for pluginID and returns immediately. The helper
// outlives ctx; it ends on its own, on Terminate or on Close.
func (s *Supervisor) Start(ctx context.Context, pluginID, command string, args []string) (*domain.ProcessSession, error) {
	const op = "Supervisor.Start"
	if !validPluginID.MatchString(pluginID) {
		return nil, domain.NewSubSystemError("process", op, domain.ErrInvalidInput,
			fmt.Sprintf("invalid plugin id %q", pluginID))
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, domain.NewSubSystemError("process", op, domain.ErrNotFound, err.Error())
	}
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return nil, domain.NewSubSystemError("process", op, domain.ErrInvalidInput,
			fmt.Sprintf("%s is not a regular file", path))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.NewSubSystemError("process", op, domain.ErrDisabled, "supervisor closed")
	}
	if n := s.runningLocked(pluginID); n >= s.cfg.MaxPerPlugin {
		return nil, domain.NewSubSystemError("process", op, domain.ErrLimitReached,
			fmt.Sprintf("plugin %q has %d/%d helpers running", pluginID, n, s.cfg.MaxPerPlugin))
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, path, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.cfg.TerminateGrace
	e := &entry{
		cmd:    cmd,
		cancel: cancel,
		stdout: newTailBuffer(s.cfg.OutputBufferMax),
		stderr: newTailBuffer(s.cfg.OutputBufferMax),
		done:   make(chan struct{}),
	}
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("process: start %s: %w", command, err)
	}

	e.session = domain.ProcessSession{
		ID:        newID(),
		PluginID:  pluginID,
		Command:   command,
		Args:      args,
		PID:       cmd.Process.Pid,
		Status:    domain.ProcessStatusRunning,
		StartedAt: time.Now(),
	}
	s.sessions[e.session.ID] = e
	go s.wait(e)

	s.emit(ctx, domain.EventProcessStarted, e.session)
	s.logger.Info("helper started", "plugin", pluginID, "session_id", e.session.ID, "pid", e.session.PID, "command", command)
	session := e.session
	return &session, nil
}

func (s *Supervisor) runningLocked(pluginID string) int {
	n := 0
	for _, e := range s.sessions {
		if e.session.PluginID == pluginID && e.session.Status == domain.ProcessStatusRunning {
			n++
		}
	}
	return n
}

// Running reports whether pluginID has at least one live helper.
func (s *Supervisor) Running(pluginID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked(pluginID) > 0
}

// List returns the sessions of pluginID, or of every plugin when empty,
// oldest first.
func (s *Supervisor) List(pluginID string) []domain.ProcessSession {
	s.mu.Lock()
	out := make([]domain.ProcessSession, 0, len(s.sessions))
	for _, e := range s.sessions {
		if pluginID == "" || e.session.PluginID == pluginID {
			out = append(out, e.session)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Poll returns output produced since the previous poll.
func (s *Supervisor) Poll(sessionID string) (*domain.ProcessPollResult, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.NewSubSystemError("process", "Supervisor.Poll", domain.ErrNotFound, sessionID)
	}
	outFrom, errFrom := e.stdoutRead, e.stderrRead
	s.mu.Unlock()

	out, errOut := e.stdout.Since(outFrom), e.stderr.Since(errFrom)

	s.mu.Lock()
	e.stdoutRead, e.stderrRead = e.stdout.Written(), e.stderr.Written()
	res := &domain.ProcessPollResult{
		SessionID: sessionID,
		Status:    e.session.Status,
		ExitCode:  e.session.ExitCode,
	}
	s.mu.Unlock()

	res.NewOutput = out
	if errOut != "" {
		if res.NewOutput != "" {
			res.NewOutput += "\n"
		}
		res.NewOutput += "STDERR:\n" + errOut
	}
	return res, nil
}

// Usage samples CPU and resident memory across pluginID's running helpers.
// Helpers that exit between listing and sampling are skipped.
func (s *Supervisor) Usage(ctx context.Context, pluginID string) domain.ProcessUsage {
	var u domain.ProcessUsage
	for _, sess := range s.List(pluginID) {
		if sess.Status != domain.ProcessStatusRunning {
			continue
		}
		p, err := gprocess.NewProcessWithContext(ctx, int32(sess.PID))
		if err != nil {
			continue
		}
		u.Processes++
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			u.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			u.RSSBytes += mem.RSS
		}
	}
	return u
}

// Plugins returns the IDs of plugins with a running helper.
func (s *Supervisor) Plugins() []string {
	s.mu.Lock()
	seen := map[string]bool{}
	for _, e := range s.sessions {
		if e.session.Status == domain.ProcessStatusRunning {
			seen[e.session.PluginID] = true
		}
	}
	s.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Terminate stops every running helper of pluginID and forgets its sessions.
func (s *Supervisor) Terminate(ctx context.Context, pluginID string) int {
	s.mu.Lock()
	var victims []*entry
	for id, e := range s.sessions {
		if e.session.PluginID != pluginID {
			continue
		}
		if e.session.Status == domain.ProcessStatusRunning {
			markKilled(e)
			victims = append(victims, e)
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.stop(ctx, victims)
	if len(victims) > 0 {
		s.logger.Info("helpers terminated", "plugin", pluginID, "count", len(victims))
	}
	return len(victims)
}

// Close terminates every helper. Failures are logged, never returned.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var victims []*entry
	for _, e := range s.sessions {
		if e.session.Status == domain.ProcessStatusRunning {
			markKilled(e)
			victims = append(victims, e)
		}
	}
	s.mu.Unlock()
	s.stop(ctx, victims)
}

func markKilled(e *entry) {
	now := time.Now()
	e.session.Status = domain.ProcessStatusKilled
	e.session.EndedAt = &now
}

func (s *Supervisor) stop(ctx context.Context, victims []*entry) {
	for _, e := range victims {
		e.cancel()
		select {
		case <-e.done:
		case <-ctx.Done():
			s.logger.Warn("helper did not exit before deadline",
				"plugin", e.session.PluginID, "session_id", e.session.ID, "pid", e.session.PID)
			if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Warn("kill helper failed", "pid", e.session.PID, "error", err)
			}
		}
	}
}

func (s *Supervisor) wait(e *entry) {
	err := e.cmd.Wait()
	close(e.done)

	s.mu.Lock()
	natural := e.session.Status == domain.ProcessStatusRunning
	if natural {
		now := time.Now()
		e.session.EndedAt = &now
		code := 0
		e.session.Status = domain.ProcessStatusCompleted
		if err != nil {
			e.session.Status = domain.ProcessStatusFailed
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		e.session.ExitCode = &code
	}
	session := e.session
	s.mu.Unlock()

	s.emit(context.Background(), domain.EventProcessExited, session)
	s.logger.Info("helper exited", "plugin", session.PluginID, "session_id", session.ID, "status", string(session.Status))
}

func (s *Supervisor) emit(ctx context.Context, typ domain.EventType, session domain.ProcessSession) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(session)
	s.bus.Publish(ctx, domain.Event{
		Type:      typ,
		PluginID:  session.PluginID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
