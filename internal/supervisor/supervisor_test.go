package supervisor

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"reflect"
	"testing"
	"time"

	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/pkg/models"
)

type nullSink struct{}

func (nullSink) Publish(models.Event) {}

func intPtr(v int) *int { return &v }

func TestBuildArgs_Defaults(t *testing.T) {
	m := &models.DiscoveredModel{
		ModelID: "llama-3b-q2_k",
		Path:    "/models/llama-3b-Q2_K.gguf",
		Port:    9100,
	}
	def := config.Settings{GPULayers: -1, CtxSize: 4096, Threads: 0, BatchSize: 512}

	got := buildArgs(m, def)
	want := []string{
		"-m", "/models/llama-3b-Q2_K.gguf",
		"--host", "127.0.0.1",
		"--port", "9100",
		"-c", "4096",
		"-b", "512",
		"-ngl", "-1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildArgs() = %v, want %v", got, want)
	}
}

func TestBuildArgs_OverridesAndThreads(t *testing.T) {
	m := &models.DiscoveredModel{
		ModelID: "qwen-70b-q4_k_m",
		Path:    "/models/qwen-70b-Q4_K_M.gguf",
		Port:    9101,
		Overrides: &models.RuntimeOverrides{
			GPULayers: intPtr(40),
			CtxSize:   intPtr(8192),
			Threads:   intPtr(12),
		},
	}
	def := config.Settings{GPULayers: -1, CtxSize: 4096, Threads: 0, BatchSize: 512}

	got := buildArgs(m, def)
	want := []string{
		"-m", "/models/qwen-70b-Q4_K_M.gguf",
		"--host", "127.0.0.1",
		"--port", "9101",
		"-c", "8192",
		"-b", "512",
		"-ngl", "40",
		"-t", "12",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildArgs() = %v, want %v", got, want)
	}
}

func TestPortBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if !portBound(port) {
		t.Errorf("portBound(%d) = false with a live listener", port)
	}

	ln.Close()
	if portBound(port) {
		t.Errorf("portBound(%d) = true after the listener closed", port)
	}
	if portBound(0) {
		t.Error("portBound(0) = true, want false")
	}
}

func TestStart_UnknownModel(t *testing.T) {
	reg := registry.New("", t.TempDir(), models.PortRange{Lo: 9100, Hi: 9199}, models.TierThresholds{PowerfulMinB: 30, FastMaxB: 4})
	s := New(reg, nullSink{}, Options{})

	err := s.Start(context.Background(), "ghost")
	if !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("Start(ghost) error = %v, want ErrUnknownModel", err)
	}
}

func TestIsReady_UntrackedModel(t *testing.T) {
	reg := registry.New("", t.TempDir(), models.PortRange{Lo: 9100, Hi: 9199}, models.TierThresholds{PowerfulMinB: 30, FastMaxB: 4})
	s := New(reg, nullSink{}, Options{})

	if s.IsReady("never-started") {
		t.Error("IsReady() = true for a model never started")
	}
}

func TestMonitorExit_KeepsReadinessFailure(t *testing.T) {
	reg := registry.New("", t.TempDir(), models.PortRange{Lo: 9100, Hi: 9199}, models.TierThresholds{PowerfulMinB: 30, FastMaxB: 4})
	s := New(reg, nullSink{}, Options{})

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	// A server killed after its readiness deadline: failed, with the
	// intentional flag set so the exit monitor does not restart it.
	e := s.entry("llama-3b-q2_k")
	e.mu.Lock()
	e.cmd = cmd
	e.intentional = true
	e.state = models.ServerFailed
	e.lastErr = "not ready after 1s"
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	s.monitorExit(e, cmd, make(chan struct{}))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.ServerFailed {
		t.Errorf("state after exit = %s, want %s", e.state, models.ServerFailed)
	}
	if e.lastErr != "not ready after 1s" {
		t.Errorf("lastErr = %q, want the readiness error preserved", e.lastErr)
	}
}

func TestMonitorExit_OperatorStopLandsStopped(t *testing.T) {
	reg := registry.New("", t.TempDir(), models.PortRange{Lo: 9100, Hi: 9199}, models.TierThresholds{PowerfulMinB: 30, FastMaxB: 4})
	s := New(reg, nullSink{}, Options{})

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	e := s.entry("llama-3b-q2_k")
	e.mu.Lock()
	e.cmd = cmd
	e.intentional = true
	e.state = models.ServerDraining
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	s.monitorExit(e, cmd, make(chan struct{}))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.ServerStopped {
		t.Errorf("state after exit = %s, want %s", e.state, models.ServerStopped)
	}
}

func TestStop_StoppedServerIsNoop(t *testing.T) {
	reg := registry.New("", t.TempDir(), models.PortRange{Lo: 9100, Hi: 9199}, models.TierThresholds{PowerfulMinB: 30, FastMaxB: 4})
	s := New(reg, nullSink{}, Options{})

	if err := s.Stop(context.Background(), "anything"); err != nil {
		t.Errorf("Stop() on stopped server error = %v, want nil", err)
	}
}
