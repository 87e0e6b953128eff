package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/maestro-llm/maestro/pkg/models"
)

type nullSink struct{}

func (nullSink) Publish(models.Event) {}

func TestSweep_EvictsAgedPipelines(t *testing.T) {
	tr := NewTracker(nullSink{})

	if _, err := tr.Open("finished-old"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Complete("finished-old", Summary{}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Open("finished-fresh"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Fail("finished-fresh", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Open("orphan"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Open("live"); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	tr.mu.Lock()
	tr.pipelines["finished-old"].UpdatedAt = now.Add(-finishedTTL - time.Minute)
	tr.pipelines["orphan"].UpdatedAt = now.Add(-orphanTTL - time.Minute)
	tr.mu.Unlock()

	tr.sweep(now)

	if _, err := tr.Get("finished-old"); !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("aged finished pipeline still present, Get() error = %v", err)
	}
	if _, err := tr.Get("orphan"); !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("orphaned pipeline still present, Get() error = %v", err)
	}
	if _, err := tr.Get("finished-fresh"); err != nil {
		t.Errorf("fresh finished pipeline evicted: %v", err)
	}
	if _, err := tr.Get("live"); err != nil {
		t.Errorf("live pipeline evicted: %v", err)
	}
}

func TestSweep_KeepsRecentOrphans(t *testing.T) {
	tr := NewTracker(nullSink{})
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	tr.mu.Lock()
	tr.pipelines["q1"].UpdatedAt = now.Add(-orphanTTL + time.Minute)
	tr.mu.Unlock()

	tr.sweep(now)
	if _, err := tr.Get("q1"); err != nil {
		t.Errorf("pipeline under the orphan TTL evicted: %v", err)
	}
}
