// Package supervisor owns the lifetime of one llama-server process per
// enabled model. It is a stateless projection over the registry: model
// metadata is consulted on every operation, never cached.
//
// Supervision policy: the first unexpected exit triggers one immediate
// restart; further exits inside the failure window back off exponentially
// (capped at 60 s); after five consecutive failures the server is marked
// failed until an operator restarts it. A port bound by a foreign process
// is terminal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/internal/metrics"
	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/internal/vram"
	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

// failureWindow is the sliding window for consecutive-failure counting.
// A server that ran longer than this before exiting starts a fresh count.
const failureWindow = 2 * time.Minute

// maxConsecutiveFailures marks a server failed until operator intervention.
const maxConsecutiveFailures = 5

// probeInterval is the readiness poll cadence.
const probeInterval = 500 * time.Millisecond

// Options configure the supervisor.
type Options struct {
	Bin          string        // llama-server binary
	ReadyTimeout time.Duration // default 120s
	StopGrace    time.Duration // default 5s
	Defaults     config.Settings
}

// Supervisor spawns and monitors inference servers.
type Supervisor struct {
	reg    *registry.Registry
	opts   Options
	events contracts.EventSink

	mu      sync.Mutex // guards the table only; each server has its own lock
	servers map[string]*server

	probe *http.Client
}

type server struct {
	mu sync.Mutex

	modelID   string
	state     models.ServerState
	port      int
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	pid       int
	startedAt time.Time
	lastProbe time.Time
	failures  int
	restarts  int
	lastErr   string

	// intentional marks an operator-requested stop so the exit monitor
	// does not schedule a restart.
	intentional bool

	// done is closed by the exit monitor when the current process ends.
	done chan struct{}

	backoff *backoff.ExponentialBackOff
}

// New creates a supervisor over the given registry.
func New(reg *registry.Registry, events contracts.EventSink, opts Options) *Supervisor {
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 120 * time.Second
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.Bin == "" {
		opts.Bin = "llama-server"
	}
	return &Supervisor{
		reg:     reg,
		opts:    opts,
		events:  events,
		servers: make(map[string]*server),
		probe:   &http.Client{Timeout: 2 * time.Second},
	}
}

func (s *Supervisor) entry(modelID string) *server {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.servers[modelID]
	if !ok {
		e = &server{modelID: modelID, state: models.ServerStopped}
		s.servers[modelID] = e
	}
	return e
}

// Start spawns the inference server for an enabled model and blocks until it
// is ready or the readiness deadline expires. Starting an already running
// server is a no-op.
func (s *Supervisor) Start(ctx context.Context, modelID string) error {
	m, err := s.reg.Get(modelID)
	if err != nil {
		return err
	}
	if !m.Enabled {
		return fmt.Errorf("model %s is disabled: %w", modelID, models.ErrInvalidRequest)
	}

	e := s.entry(modelID)
	e.mu.Lock()
	if e.state == models.ServerReady || e.state == models.ServerStarting {
		e.mu.Unlock()
		return nil
	}

	// A port held by a foreign process is terminal — restarting into it
	// would loop forever.
	if portBound(m.Port) {
		s.transitionLocked(e, models.ServerFailed, models.ErrPortBusy.Error())
		e.mu.Unlock()
		return fmt.Errorf("model %s port %d: %w", modelID, m.Port, models.ErrPortBusy)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.opts.Bin, buildArgs(m, s.opts.Defaults)...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		s.transitionLocked(e, models.ServerFailed, err.Error())
		e.mu.Unlock()
		return fmt.Errorf("start llama-server for %s: %w", modelID, err)
	}

	e.cmd = cmd
	e.cancel = cancel
	e.pid = cmd.Process.Pid
	e.port = m.Port
	e.startedAt = time.Now().UTC()
	e.intentional = false
	e.done = make(chan struct{})
	done := e.done
	s.transitionLocked(e, models.ServerStarting, "")
	e.mu.Unlock()

	log.Info().
		Str("model", modelID).
		Int("port", m.Port).
		Int("pid", cmd.Process.Pid).
		Msg("Inference server starting")

	go s.monitorExit(e, cmd, done)

	if err := s.waitReady(ctx, e); err != nil {
		e.mu.Lock()
		e.intentional = true
		s.transitionLocked(e, models.ServerFailed, err.Error())
		cancelFn := e.cancel
		e.mu.Unlock()
		if cancelFn != nil {
			cancelFn()
		}
		return fmt.Errorf("model %s readiness: %w", modelID, err)
	}
	return nil
}

// waitReady polls the server's /health endpoint until ready or deadline.
func (s *Supervisor) waitReady(ctx context.Context, e *server) error {
	e.mu.Lock()
	port := e.port
	e.mu.Unlock()

	deadline := time.Now().Add(s.opts.ReadyTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}

		e.mu.Lock()
		if e.state != models.ServerStarting {
			state := e.state
			e.mu.Unlock()
			return fmt.Errorf("server entered %s during startup", state)
		}
		e.lastProbe = time.Now().UTC()
		e.mu.Unlock()

		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := s.probe.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			e.mu.Lock()
			e.failures = 0
			e.backoff = nil
			s.transitionLocked(e, models.ServerReady, "")
			e.mu.Unlock()
			log.Info().Str("model", e.modelID).Int("port", port).Msg("Inference server ready")
			return nil
		}
	}
	return fmt.Errorf("not ready after %s", s.opts.ReadyTimeout)
}

// monitorExit waits for the child to exit and applies the restart policy.
func (s *Supervisor) monitorExit(e *server, cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	e.mu.Lock()
	if e.cmd != cmd {
		// A newer process replaced this one; nothing to do.
		e.mu.Unlock()
		return
	}
	uptime := time.Since(e.startedAt)
	if e.intentional {
		// An operator stop lands in stopped. A readiness failure that
		// killed the process is already terminal and keeps its error.
		if e.state != models.ServerFailed {
			s.transitionLocked(e, models.ServerStopped, "")
		}
		e.mu.Unlock()
		return
	}

	// Unexpected exit.
	if uptime > failureWindow {
		e.failures = 0
		e.backoff = nil
	}
	e.failures++
	exitMsg := "exited"
	if err != nil {
		exitMsg = err.Error()
	}
	e.lastErr = exitMsg

	log.Warn().
		Str("model", e.modelID).
		Int("failures", e.failures).
		Dur("uptime", uptime).
		Str("exit", exitMsg).
		Msg("Inference server exited unexpectedly")

	if e.failures >= maxConsecutiveFailures {
		s.transitionLocked(e, models.ServerFailed,
			fmt.Sprintf("%d consecutive failures, operator intervention required", e.failures))
		e.mu.Unlock()
		return
	}
	if portBound(e.port) {
		s.transitionLocked(e, models.ServerFailed, models.ErrPortBusy.Error())
		e.mu.Unlock()
		return
	}

	var delay time.Duration
	if e.failures == 1 {
		delay = 0
	} else {
		if e.backoff == nil {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 60 * time.Second
			b.MaxElapsedTime = 0 // capped, never gives up on its own
			e.backoff = b
		}
		delay = e.backoff.NextBackOff()
	}
	e.restarts++
	modelID := e.modelID
	s.transitionLocked(e, models.ServerStopped, exitMsg)
	e.mu.Unlock()

	metrics.SupervisorRestarts.WithLabelValues(modelID).Inc()
	s.events.Publish(models.Event{
		Type:     models.EventSupervisorRestart,
		Severity: models.SeverityWarning,
		Message:  fmt.Sprintf("restarting %s after unexpected exit", modelID),
		Metadata: map[string]interface{}{"model_id": modelID, "delay_ms": delay.Milliseconds()},
	})

	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReadyTimeout+10*time.Second)
		defer cancel()
		if err := s.Start(ctx, modelID); err != nil {
			log.Error().Err(err).Str("model", modelID).Msg("Supervised restart failed")
		}
	})
}

// Stop gracefully terminates a server: SIGINT, then kill after the grace
// window. Stopping a stopped server is a no-op.
func (s *Supervisor) Stop(ctx context.Context, modelID string) error {
	e := s.entry(modelID)
	e.mu.Lock()
	if e.state != models.ServerReady && e.state != models.ServerStarting {
		e.mu.Unlock()
		return nil
	}
	e.intentional = true
	cmd := e.cmd
	cancel := e.cancel
	done := e.done
	s.transitionLocked(e, models.ServerDraining, "")
	e.mu.Unlock()

	log.Info().Str("model", modelID).Msg("Stopping inference server")

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(s.opts.StopGrace):
			_ = cmd.Process.Kill()
			<-done
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
		}
	}
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	s.transitionLocked(e, models.ServerStopped, "")
	e.mu.Unlock()
	return nil
}

// Restart stops then starts one server. It also clears a failed state, which
// is how an operator recovers a server past the failure limit.
func (s *Supervisor) Restart(ctx context.Context, modelID string) error {
	if err := s.Stop(ctx, modelID); err != nil {
		return err
	}
	e := s.entry(modelID)
	e.mu.Lock()
	e.failures = 0
	e.backoff = nil
	e.lastErr = ""
	if e.state == models.ServerFailed {
		e.state = models.ServerStopped
	}
	e.mu.Unlock()
	return s.Start(ctx, modelID)
}

// StartAll starts enabled models greedily by descending VRAM estimate until
// the budget would be exceeded. It returns the models left stopped.
func (s *Supervisor) StartAll(ctx context.Context, vramBudgetGB float64) (skipped []string, err error) {
	enabled := s.reg.ListEnabled()
	sort.Slice(enabled, func(i, j int) bool {
		return vram.EstimateGB(enabled[i], s.ctxSizeFor(enabled[i])) >
			vram.EstimateGB(enabled[j], s.ctxSizeFor(enabled[j]))
	})

	var used float64
	var firstErr error
	for _, m := range enabled {
		est := vram.EstimateGB(m, s.ctxSizeFor(m))
		if used+est > vramBudgetGB {
			skipped = append(skipped, m.ModelID)
			log.Warn().
				Str("model", m.ModelID).
				Float64("estimated_gb", est).
				Float64("budget_gb", vramBudgetGB).
				Msg("Model left stopped: VRAM budget exceeded")
			continue
		}
		if serr := s.Start(ctx, m.ModelID); serr != nil {
			log.Error().Err(serr).Str("model", m.ModelID).Msg("Bulk start failed for model")
			if firstErr == nil {
				firstErr = serr
			}
			continue
		}
		used += est
	}
	return skipped, firstErr
}

// StopAll stops every running server. Called on shutdown.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var lastErr error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			log.Warn().Err(err).Str("model", id).Msg("Failed to stop server during shutdown")
			lastErr = err
		}
	}
	log.Info().Int("count", len(ids)).Msg("All inference servers stopped")
	return lastErr
}

// Status returns a snapshot of every tracked server.
func (s *Supervisor) Status() []models.ServerStatus {
	s.mu.Lock()
	entries := make([]*server, 0, len(s.servers))
	for _, e := range s.servers {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]models.ServerStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := models.ServerStatus{
			ModelID:      e.modelID,
			State:        e.state,
			Port:         e.port,
			PID:          e.pid,
			StartedAt:    e.startedAt,
			LastProbe:    e.lastProbe,
			Failures:     e.failures,
			RestartCount: e.restarts,
			Error:        e.lastErr,
		}
		if e.state == models.ServerReady {
			st.UptimeSec = int64(time.Since(e.startedAt).Seconds())
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// IsReady reports whether a model's server is a valid routing target.
func (s *Supervisor) IsReady(modelID string) bool {
	s.mu.Lock()
	e, ok := s.servers[modelID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == models.ServerReady
}

// transitionLocked updates state and publishes model_state_changed.
// Caller holds e.mu.
func (s *Supervisor) transitionLocked(e *server, to models.ServerState, errMsg string) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.lastErr = errMsg

	sev := models.SeverityInfo
	if to == models.ServerFailed {
		sev = models.SeverityError
	}
	s.events.Publish(models.Event{
		Type:     models.EventModelStateChanged,
		Severity: sev,
		Message:  fmt.Sprintf("%s: %s -> %s", e.modelID, from, to),
		Metadata: map[string]interface{}{
			"model_id": e.modelID,
			"from":     string(from),
			"to":       string(to),
		},
	})
}

func (s *Supervisor) ctxSizeFor(m *models.DiscoveredModel) int {
	if m.Overrides != nil && m.Overrides.CtxSize != nil {
		return *m.Overrides.CtxSize
	}
	return s.opts.Defaults.CtxSize
}

// buildArgs derives llama-server arguments from per-model overrides merged
// over the global defaults.
func buildArgs(m *models.DiscoveredModel, def config.Settings) []string {
	gpuLayers := def.GPULayers
	ctxSize := def.CtxSize
	threads := def.Threads
	batch := def.BatchSize
	if o := m.Overrides; o != nil {
		if o.GPULayers != nil {
			gpuLayers = *o.GPULayers
		}
		if o.CtxSize != nil {
			ctxSize = *o.CtxSize
		}
		if o.Threads != nil {
			threads = *o.Threads
		}
		if o.BatchSize != nil {
			batch = *o.BatchSize
		}
	}

	args := []string{
		"-m", m.Path,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(m.Port),
		"-c", strconv.Itoa(ctxSize),
		"-b", strconv.Itoa(batch),
		"-ngl", strconv.Itoa(gpuLayers),
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	return args
}

// portBound reports whether something is already listening on the port.
func portBound(port int) bool {
	if port == 0 {
		return false
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		var opErr *net.OpError
		return errors.As(err, &opErr)
	}
	ln.Close()
	return false
}
