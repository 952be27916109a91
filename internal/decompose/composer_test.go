package decompose

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

const fastPoll = 5 * time.Millisecond

func TestComposer_AllChildrenDone(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	specs := twoRepoSpecs()[:2]
	parent := plannedParent(t, s, models.AgentFullstackPlanner, models.StatusWaitingForInput, specs)

	out, err := NewMaterializer(s, nil).MaterializeAll(ctx, parent, false)
	if err != nil {
		t.Fatalf("MaterializeAll failed: %v", err)
	}
	completeChild(t, s, out[0].RunID, &models.Result{Summary: "api done", PRURL: "https://github.com/acme/api/pull/1", FilesModified: []string{"users.go"}})
	completeChild(t, s, out[1].RunID, &models.Result{Summary: "web done", PRURL: "https://github.com/acme/web/pull/2"})

	status, err := NewComposer(s, fastPoll).Await(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if status != models.StatusDone {
		t.Fatalf("status = %s, want Done", status)
	}

	run, _ := s.GetRun(ctx, parent)
	if run.Status != models.StatusDone {
		t.Errorf("stored status = %s", run.Status)
	}
	if !strings.Contains(run.Result.Summary, "acme/api/pull/1") || !strings.Contains(run.Result.Summary, "acme/web/pull/2") {
		t.Errorf("summary missing PRs: %q", run.Result.Summary)
	}
	if len(run.Result.Subtasks) != 2 {
		t.Errorf("composed result lost specs: %+v", run.Result.Subtasks)
	}
	if len(run.Result.FilesModified) != 1 {
		t.Errorf("FilesModified = %v", run.Result.FilesModified)
	}
}

func TestComposer_ChildFailureFailsParent(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	parent := plannedParent(t, s, models.AgentFullstackPlanner, models.StatusWaitingForInput, twoRepoSpecs()[:2])

	out, err := NewMaterializer(s, nil).MaterializeAll(ctx, parent, false)
	if err != nil {
		t.Fatalf("MaterializeAll failed: %v", err)
	}
	completeChild(t, s, out[0].RunID, nil)
	failChild(t, s, out[1].RunID)

	status, err := NewComposer(s, fastPoll).Await(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if status != models.StatusFailed {
		t.Fatalf("status = %s, want Failed", status)
	}
	run, _ := s.GetRun(ctx, parent)
	if run.Result.ErrorKind != models.ErrorKindChildFailed || !strings.Contains(run.Result.Error, "tests failed") {
		t.Errorf("result = %+v", run.Result)
	}
}

func TestComposer_ParksWhenSpecsUnmaterialized(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	parent := plannedParent(t, s, models.AgentFullstackPlanner, models.StatusWaitingForInput, twoRepoSpecs()[:2])
	m := NewMaterializer(s, nil)

	first, err := m.Materialize(ctx, parent, 0)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	completeChild(t, s, first.RunID, nil)

	status, err := NewComposer(s, fastPoll).Await(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if status != models.StatusWaitingForInput {
		t.Fatalf("status = %s, want WaitingForInput", status)
	}

	// Materializing the last spec resumes the parent, and a new composer
	// completes it.
	second, err := m.Materialize(ctx, parent, 1)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	run, _ := s.GetRun(ctx, parent)
	if run.Status != models.StatusSubtasksRunning {
		t.Fatalf("parent status = %s, want SubtasksRunning", run.Status)
	}
	completeChild(t, s, second.RunID, nil)

	status, err = NewComposer(s, fastPoll).Await(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if status != models.StatusDone {
		t.Errorf("status = %s, want Done", status)
	}
}

func TestComposer_WaitsForRunningChildren(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	parent := plannedParent(t, s, models.AgentFullstackPlanner, models.StatusWaitingForInput, twoRepoSpecs()[:1])

	out, err := NewMaterializer(s, nil).MaterializeAll(ctx, parent, false)
	if err != nil {
		t.Fatalf("MaterializeAll failed: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.UpdateStatus(ctx, out[0].RunID, models.StatusQueued, models.StatusRunning)
		_ = store.Finish(ctx, s, out[0].RunID, models.StatusRunning, models.StatusDone, &models.Result{Summary: "late"})
	}()

	status, err := NewComposer(s, fastPoll).Await(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if status != models.StatusDone {
		t.Errorf("status = %s, want Done", status)
	}
}

func TestComposer_ConcurrentComposersSingleWinner(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	parent := plannedParent(t, s, models.AgentFullstackPlanner, models.StatusWaitingForInput, twoRepoSpecs()[:2])

	out, err := NewMaterializer(s, nil).MaterializeAll(ctx, parent, false)
	if err != nil {
		t.Fatalf("MaterializeAll failed: %v", err)
	}
	for _, o := range out {
		completeChild(t, s, o.RunID, nil)
	}

	var wg sync.WaitGroup
	statuses := make([]models.Status, 4)
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := NewComposer(s, fastPoll).Await(ctx, parent, nil)
			if err != nil {
				t.Errorf("Await failed: %v", err)
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	for _, st := range statuses {
		if st != models.StatusDone {
			t.Errorf("composer saw %s, want Done", st)
		}
	}
	run, _ := s.GetRun(ctx, parent)
	if run.Status != models.StatusDone || run.Result == nil || len(run.Result.Subtasks) != 2 {
		t.Errorf("parent = %s %+v", run.Status, run.Result)
	}
}

func TestComposer_AdvanceMaterializesDependents(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	specs := []models.SubtaskSpec{
		{Index: 0, Title: "schema", Repo: "acme/api", Assignment: models.AssignAgent},
		{Index: 1, Title: "handler", Repo: "acme/api", Assignment: models.AssignAgent, DependsOn: []int{0}},
	}
	parent := plannedParent(t, s, models.AgentPM, models.StatusSubtasksGenerated, specs)
	m := NewMaterializer(s, nil)
	if _, err := m.MaterializeReady(ctx, parent); err != nil {
		t.Fatalf("MaterializeReady failed: %v", err)
	}

	// Children finish as soon as they appear.
	advance := func(ctx context.Context, p *models.Run, progress *Progress) (int, error) {
		for _, idx := range progress.Active {
			completeChild(t, s, progress.Children[idx].ID, nil)
		}
		out, err := m.MaterializeReady(ctx, p.ID)
		return len(out), err
	}

	status, err := NewComposer(s, fastPoll).Await(ctx, parent, advance)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if status != models.StatusDone {
		t.Errorf("status = %s, want Done", status)
	}
	children, _ := store.Children(ctx, s, parent)
	if len(children) != 2 {
		t.Errorf("len(children) = %d, want 2", len(children))
	}
}

func TestComposer_StopsWhenParentCancelled(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	parent := plannedParent(t, s, models.AgentFullstackPlanner, models.StatusWaitingForInput, twoRepoSpecs()[:1])
	if _, err := NewMaterializer(s, nil).MaterializeAll(ctx, parent, false); err != nil {
		t.Fatalf("MaterializeAll failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Cancel(ctx, s, parent, "")
	}()

	status, err := NewComposer(s, fastPoll).Await(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if status != models.StatusCancelled {
		t.Errorf("status = %s, want Cancelled", status)
	}
}

func TestComposer_PollSinglePass(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	specs := twoRepoSpecs()[:1]
	parent := plannedParent(t, s, models.AgentFullstackPlanner, models.StatusSubtasksGenerated, specs)

	m := NewMaterializer(s, nil)
	got, err := m.Materialize(ctx, parent, 0)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	c := NewComposer(s, time.Millisecond)
	status, settled, err := c.Poll(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if settled || status != models.StatusSubtasksRunning {
		t.Fatalf("Poll = %s settled=%v, want running and unsettled", status, settled)
	}

	completeChild(t, s, got.RunID, &models.Result{Summary: "ok"})
	status, settled, err = c.Poll(ctx, parent, nil)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !settled || status != models.StatusDone {
		t.Fatalf("Poll = %s settled=%v, want Done", status, settled)
	}
}
