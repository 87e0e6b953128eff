package pipeline_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/maestro-llm/maestro/internal/pipeline"
	"github.com/maestro-llm/maestro/pkg/models"
)

// recordingSink captures published events for assertion.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Publish(evt models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) all() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestTracker_OpenStartsInInput(t *testing.T) {
	sink := &recordingSink{}
	tr := pipeline.NewTracker(sink)

	p, err := tr.Open("q1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if p.CurrentStage != models.StageInput {
		t.Errorf("CurrentStage = %s, want input", p.CurrentStage)
	}
	if p.Status != models.PipelineProcessing {
		t.Errorf("Status = %s, want processing", p.Status)
	}
	if len(p.Stages) != 1 || p.Stages[0].Status != models.StageActive {
		t.Errorf("Stages = %+v, want single active input stage", p.Stages)
	}

	evts := sink.all()
	if len(evts) != 1 || evts[0].Type != models.EventPipelineStageStart {
		t.Fatalf("events = %+v, want one pipeline_stage_start", evts)
	}
	if evts[0].Metadata["stage"] != "input" {
		t.Errorf("event stage = %v, want input", evts[0].Metadata["stage"])
	}
}

func TestTracker_OpenDuplicateRejected(t *testing.T) {
	tr := pipeline.NewTracker(&recordingSink{})
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Open("q1"); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("second Open() error = %v, want ErrInvalidRequest", err)
	}
}

func TestTracker_EnterAdvancesAndSkips(t *testing.T) {
	sink := &recordingSink{}
	tr := pipeline.NewTracker(sink)
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}

	if err := tr.Enter("q1", models.StageComplexity, map[string]interface{}{"score": 2.0}); err != nil {
		t.Fatalf("Enter(complexity) error = %v", err)
	}
	// Skipping over cgrag is legal.
	if err := tr.Enter("q1", models.StageRouting, nil); err != nil {
		t.Fatalf("Enter(routing) error = %v", err)
	}

	p, err := tr.Get("q1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentStage != models.StageRouting {
		t.Errorf("CurrentStage = %s, want routing", p.CurrentStage)
	}
	if len(p.Stages) != 3 {
		t.Fatalf("len(Stages) = %d, want 3", len(p.Stages))
	}
	for _, s := range p.Stages[:2] {
		if s.Status != models.StageCompleted {
			t.Errorf("stage %s status = %s, want completed", s.Name, s.Status)
		}
		if s.EndedAt == nil {
			t.Errorf("stage %s has no end timestamp", s.Name)
		}
	}
	if p.Stages[2].Status != models.StageActive {
		t.Errorf("routing stage status = %s, want active", p.Stages[2].Status)
	}
}

func TestTracker_EnterBackwardsRejected(t *testing.T) {
	tr := pipeline.NewTracker(&recordingSink{})
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Enter("q1", models.StageRouting, nil); err != nil {
		t.Fatal(err)
	}

	err := tr.Enter("q1", models.StageComplexity, nil)
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("backwards Enter() error = %v, want ErrInvalidRequest", err)
	}
	// Re-entering the current stage is also backwards.
	err = tr.Enter("q1", models.StageRouting, nil)
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("same-stage Enter() error = %v, want ErrInvalidRequest", err)
	}
}

func TestTracker_EnterUnknownStage(t *testing.T) {
	tr := pipeline.NewTracker(&recordingSink{})
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Enter("q1", models.StageName("warmup"), nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("Enter(warmup) error = %v, want ErrInvalidRequest", err)
	}
}

func TestTracker_EnterUnknownPipeline(t *testing.T) {
	tr := pipeline.NewTracker(&recordingSink{})
	if err := tr.Enter("ghost", models.StageComplexity, nil); !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("Enter() error = %v, want ErrUnknownModel", err)
	}
}

func TestTracker_Complete(t *testing.T) {
	sink := &recordingSink{}
	tr := pipeline.NewTracker(sink)
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Enter("q1", models.StageGeneration, nil); err != nil {
		t.Fatal(err)
	}

	err := tr.Complete("q1", pipeline.Summary{
		ModelSelected:  "llama-3b-q2_k",
		Tier:           models.TierFast,
		ArtifactsCount: 2,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	p, _ := tr.Get("q1")
	if p.Status != models.PipelineCompleted {
		t.Errorf("Status = %s, want completed", p.Status)
	}
	if p.ModelSelected != "llama-3b-q2_k" || p.Tier != models.TierFast || p.ArtifactsCount != 2 {
		t.Errorf("summary = (%s, %s, %d), want (llama-3b-q2_k, fast, 2)", p.ModelSelected, p.Tier, p.ArtifactsCount)
	}

	// Pipeline is finished: further transitions are rejected.
	if err := tr.Enter("q1", models.StageResponse, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("Enter() after Complete error = %v, want ErrInvalidRequest", err)
	}

	evts := sink.all()
	last := evts[len(evts)-1]
	if last.Type != models.EventPipelineComplete {
		t.Errorf("last event = %s, want pipeline_complete", last.Type)
	}
}

func TestTracker_Fail(t *testing.T) {
	sink := &recordingSink{}
	tr := pipeline.NewTracker(sink)
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Enter("q1", models.StageGeneration, nil); err != nil {
		t.Fatal(err)
	}

	if err := tr.Fail("q1", errors.New("deadline_exceeded")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	p, _ := tr.Get("q1")
	if p.Status != models.PipelineFailed {
		t.Errorf("Status = %s, want failed", p.Status)
	}
	if p.Error != "deadline_exceeded" {
		t.Errorf("Error = %q, want %q", p.Error, "deadline_exceeded")
	}
	if got := p.Stages[len(p.Stages)-1].Status; got != models.StageFailed {
		t.Errorf("last stage status = %s, want failed", got)
	}

	evts := sink.all()
	last := evts[len(evts)-1]
	if last.Type != models.EventPipelineFailed {
		t.Fatalf("last event = %s, want pipeline_failed", last.Type)
	}
	if last.Metadata["stage"] != "generation" || last.Metadata["reason"] != "deadline_exceeded" {
		t.Errorf("failure metadata = %+v, want stage generation, reason deadline_exceeded", last.Metadata)
	}
	if last.Severity != models.SeverityError {
		t.Errorf("failure severity = %s, want error", last.Severity)
	}
}

func TestTracker_GetUnknown(t *testing.T) {
	tr := pipeline.NewTracker(&recordingSink{})
	if _, err := tr.Get("ghost"); !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("Get() error = %v, want ErrUnknownModel", err)
	}
}

func TestTracker_GetReturnsCopy(t *testing.T) {
	tr := pipeline.NewTracker(&recordingSink{})
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}

	p, _ := tr.Get("q1")
	p.Stages[0].Status = models.StageFailed

	again, _ := tr.Get("q1")
	if again.Stages[0].Status != models.StageActive {
		t.Error("mutating a Get() result leaked into the tracker")
	}
}

func TestTracker_Stats(t *testing.T) {
	tr := pipeline.NewTracker(&recordingSink{})
	for _, id := range []string{"a", "b", "c"} {
		if _, err := tr.Open(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Complete("a", pipeline.Summary{}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Fail("b", errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	got := tr.Stats()
	want := models.PipelineStats{Total: 3, Processing: 1, Completed: 1, Failed: 1}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestTracker_EventSequence(t *testing.T) {
	sink := &recordingSink{}
	tr := pipeline.NewTracker(sink)
	if _, err := tr.Open("q1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Enter("q1", models.StageComplexity, nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.Complete("q1", pipeline.Summary{}); err != nil {
		t.Fatal(err)
	}

	want := []models.EventType{
		models.EventPipelineStageStart,    // input
		models.EventPipelineStageComplete, // input closed
		models.EventPipelineStageStart,    // complexity
		models.EventPipelineStageComplete, // complexity closed
		models.EventPipelineComplete,
	}
	evts := sink.all()
	if len(evts) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(evts), len(want), evts)
	}
	for i, typ := range want {
		if evts[i].Type != typ {
			t.Errorf("event[%d] = %s, want %s", i, evts[i].Type, typ)
		}
	}
}
