package aggregate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"freighter/internal/model"
	"freighter/internal/storage"
	logx "freighter/pkg/logx"
)

type genRecorder struct {
	mu   sync.Mutex
	reqs []model.GenerationRequest
}

func (r *genRecorder) Submit(ctx context.Context, req model.GenerationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *genRecorder) all() []model.GenerationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.GenerationRequest(nil), r.reqs...)
}

type transferRecorder struct {
	mu   sync.Mutex
	reqs []model.TransferRequest
}

func (r *transferRecorder) Submit(ctx context.Context, req model.TransferRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *transferRecorder) all() []model.TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TransferRequest(nil), r.reqs...)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path:        filepath.Join(t.TempDir(), "freighter.db"),
		BusyTimeout: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedJob creates a job with the given targets in the given status,
// walking the legal transitions from pending.
func seedJob(t *testing.T, st *storage.Store, jobID string, targets []model.Target, status model.JobStatus) model.Job {
	t.Helper()
	ctx := context.Background()
	due := time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)
	next := due.Add(24 * time.Hour)
	sc := model.Schedule{
		ID:              "s-" + jobID,
		Cron:            "0 10 * * *",
		Timezone:        "UTC",
		Enabled:         true,
		SourcePath:      "/var/reports/daily.csv",
		DestinationPath: "/incoming",
		Targets:         targets,
		NextRunUTC:      &due,
	}
	if err := st.UpsertSchedule(ctx, sc); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	job, err := st.CreateTriggeredJob(ctx, sc, jobID, due, &next)
	if err != nil {
		t.Fatalf("CreateTriggeredJob: %v", err)
	}
	steps := []model.JobStatus{model.JobGenerating, model.JobGenerated, model.JobSending}
	from := model.JobPending
	for _, to := range steps {
		if from == status {
			break
		}
		if ok, err := st.CASJobStatus(ctx, job.ID, from, to, ""); err != nil || !ok {
			t.Fatalf("CAS %s->%s: ok=%v err=%v", from, to, ok, err)
		}
		from = to
	}
	job.Status = status
	return job
}

func threeTargets() []model.Target {
	return []model.Target{
		{TargetID: "t1", HostRef: "host-a", CredentialRef: "c1"},
		{TargetID: "t2", HostRef: "host-b", CredentialRef: "c2"},
		{TargetID: "t3", HostRef: "host-c", CredentialRef: "c3"},
	}
}

func markSent(t *testing.T, st *storage.Store, jobID, targetID string) {
	t.Helper()
	ctx := context.Background()
	if ok, err := st.MarkOutcomeSending(ctx, jobID, targetID); err != nil || !ok {
		t.Fatalf("MarkOutcomeSending %s: ok=%v err=%v", targetID, ok, err)
	}
	if ok, err := st.RecordOutcomeSent(ctx, jobID, targetID, "h"); err != nil || !ok {
		t.Fatalf("RecordOutcomeSent %s: ok=%v err=%v", targetID, ok, err)
	}
}

func markFailed(t *testing.T, st *storage.Store, jobID, targetID string) {
	t.Helper()
	ctx := context.Background()
	if ok, err := st.MarkOutcomeSending(ctx, jobID, targetID); err != nil || !ok {
		t.Fatalf("MarkOutcomeSending %s: ok=%v err=%v", targetID, ok, err)
	}
	if ok, err := st.RecordOutcomeFailed(ctx, jobID, targetID, "host down"); err != nil || !ok {
		t.Fatalf("RecordOutcomeFailed %s: ok=%v err=%v", targetID, ok, err)
	}
}

func newAgg(st *storage.Store, gen GenerationSink, tr TransferSink) *Aggregator {
	return New(Config{}, st, gen, tr, nil, nil, logx.Nop(), nil)
}

func TestFanInCompletesWhenAllSent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := seedJob(t, st, "job-all", threeTargets(), model.JobSending)
	a := newAgg(st, &genRecorder{}, &transferRecorder{})
	ctx := context.Background()

	markSent(t, st, job.ID, "t1")
	markSent(t, st, job.ID, "t2")
	if err := a.OnOutcome(ctx, job.ID); err != nil {
		t.Fatalf("OnOutcome: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != model.JobSending {
		t.Fatalf("status = %v before last target, want still sending", got.Status)
	}

	markSent(t, st, job.ID, "t3")
	if err := a.OnOutcome(ctx, job.ID); err != nil {
		t.Fatalf("OnOutcome: %v", err)
	}
	got, _ = st.GetJob(ctx, job.ID)
	if got.Status != model.JobCompleted {
		t.Fatalf("status = %v, want %v", got.Status, model.JobCompleted)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
}

func TestFanInFailsWhenAnyTargetFailed(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := seedJob(t, st, "job-mix", threeTargets(), model.JobSending)
	a := newAgg(st, &genRecorder{}, &transferRecorder{})
	ctx := context.Background()

	markSent(t, st, job.ID, "t1")
	markFailed(t, st, job.ID, "t2")
	markSent(t, st, job.ID, "t3")
	if err := a.OnOutcome(ctx, job.ID); err != nil {
		t.Fatalf("OnOutcome: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != model.JobFailed {
		t.Fatalf("status = %v, want %v", got.Status, model.JobFailed)
	}
	if got.Reason != model.ReasonDeliveryFailed {
		t.Fatalf("reason = %q, want %q", got.Reason, model.ReasonDeliveryFailed)
	}
}

func TestFanInRaceAdmitsOneWinner(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := seedJob(t, st, "job-race", threeTargets(), model.JobSending)
	a := newAgg(st, &genRecorder{}, &transferRecorder{})
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		markSent(t, st, job.ID, id)
	}
	// Simulate the last two outcome writers both running the check.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.OnOutcome(ctx, job.ID)
		}()
	}
	wg.Wait()

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != model.JobCompleted {
		t.Fatalf("status = %v, want %v", got.Status, model.JobCompleted)
	}
	// Exactly one completed transition in the trail.
	events, err := st.ListJobEvents(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListJobEvents: %v", err)
	}
	n := 0
	for _, e := range events {
		if e.ToStatus == string(model.JobCompleted) {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("completed transitions = %d, want exactly 1", n)
	}
}

func TestCancelledJobStaysCancelled(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := seedJob(t, st, "job-cxl", threeTargets(), model.JobSending)
	a := newAgg(st, &genRecorder{}, &transferRecorder{})
	ctx := context.Background()

	if ok, err := a.Cancel(ctx, job.ID, "operator request"); err != nil || !ok {
		t.Fatalf("Cancel: ok=%v err=%v", ok, err)
	}
	// Late outcomes after cancellation must not resurrect the job.
	for _, id := range []string{"t1", "t2", "t3"} {
		markSent(t, st, job.ID, id)
	}
	if err := a.OnOutcome(ctx, job.ID); err != nil {
		t.Fatalf("OnOutcome: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != model.JobCancelled {
		t.Fatalf("status = %v, want %v", got.Status, model.JobCancelled)
	}

	// Cancelling again is a reported no-op.
	if ok, err := a.Cancel(ctx, job.ID, "again"); err != nil || ok {
		t.Fatalf("second Cancel: ok=%v err=%v, want false,nil", ok, err)
	}
}

func TestRecoverResubmitsInterruptedGeneration(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	pending := seedJob(t, st, "job-p", threeTargets(), model.JobPending)
	generating := seedJob(t, st, "job-g", threeTargets(), model.JobGenerating)
	gen := &genRecorder{}
	a := newAgg(st, gen, &transferRecorder{})
	ctx := context.Background()

	if err := a.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	reqs := gen.all()
	if len(reqs) != 2 {
		t.Fatalf("generation requeues = %d, want 2", len(reqs))
	}
	byJob := map[string]model.GenerationRequest{}
	for _, r := range reqs {
		byJob[r.JobID] = r
	}
	for _, id := range []string{pending.ID, generating.ID} {
		r, ok := byJob[id]
		if !ok {
			t.Fatalf("job %s not requeued", id)
		}
		if len(r.Targets) != 3 {
			t.Fatalf("job %s rebuilt with %d targets, want 3", id, len(r.Targets))
		}
		if r.SourcePath != "/var/reports/daily.csv" || r.DestinationPath != "/incoming" {
			t.Fatalf("job %s rebuilt request = %+v", id, r)
		}
	}
	// The generating job is back in pending so the admission CAS accepts it.
	got, _ := st.GetJob(ctx, generating.ID)
	if got.Status != model.JobPending {
		t.Fatalf("recovered status = %v, want %v", got.Status, model.JobPending)
	}
}

func TestRecoverRefansOutOpenTargets(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := seedJob(t, st, "job-s", threeTargets(), model.JobSending)
	ctx := context.Background()
	art := filepath.Join(t.TempDir(), "job-s.artifact")
	if err := os.WriteFile(art, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.SetJobArtifact(ctx, job.ID, art, "h-s", 1); err != nil {
		t.Fatalf("SetJobArtifact: %v", err)
	}
	markSent(t, st, job.ID, "t1")
	// t2 sat in sending when the process died.
	if ok, err := st.MarkOutcomeSending(ctx, job.ID, "t2"); err != nil || !ok {
		t.Fatalf("MarkOutcomeSending: ok=%v err=%v", ok, err)
	}

	tr := &transferRecorder{}
	a := newAgg(st, &genRecorder{}, tr)
	if err := a.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	reqs := tr.all()
	if len(reqs) != 2 {
		t.Fatalf("re-emitted transfers = %d, want 2 (t2, t3)", len(reqs))
	}
	seen := map[string]model.TransferRequest{}
	for _, r := range reqs {
		seen[r.TargetID] = r
	}
	if _, ok := seen["t1"]; ok {
		t.Fatal("sent target t1 re-emitted")
	}
	if r := seen["t2"]; r.Attempt != 2 {
		t.Fatalf("t2 attempt = %d, want db attempts+1 = 2", r.Attempt)
	}
	if r := seen["t3"]; r.Attempt != 1 || r.ArtifactLocation != art || r.ArtifactHash != "h-s" {
		t.Fatalf("t3 request = %+v", seen["t3"])
	}
}

func TestRecoverClosesFullyDeliveredJob(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := seedJob(t, st, "job-done", threeTargets(), model.JobSending)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		markSent(t, st, job.ID, id)
	}
	// Died between the last outcome write and the job CAS.
	tr := &transferRecorder{}
	a := newAgg(st, &genRecorder{}, tr)
	if err := a.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(tr.all()) != 0 {
		t.Fatalf("re-emitted transfers = %d, want 0", len(tr.all()))
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != model.JobCompleted {
		t.Fatalf("status = %v, want %v", got.Status, model.JobCompleted)
	}
}

func TestSpoolSweepRemovesExpiredArtifacts(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := seedJob(t, st, "job-old", threeTargets(), model.JobSending)
	ctx := context.Background()
	art := filepath.Join(t.TempDir(), "job-old.artifact")
	if err := os.WriteFile(art, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.SetJobArtifact(ctx, job.ID, art, "h", 5); err != nil {
		t.Fatalf("SetJobArtifact: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		markSent(t, st, job.ID, id)
	}
	a := newAgg(st, &genRecorder{}, &transferRecorder{})
	if err := a.OnOutcome(ctx, job.ID); err != nil {
		t.Fatalf("OnOutcome: %v", err)
	}

	// Within retention: the artifact stays.
	a.Sweep(ctx)
	if _, err := os.Stat(art); err != nil {
		t.Fatalf("artifact removed inside retention window: %v", err)
	}

	// Past retention: removed and the pointer cleared.
	a.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	a.Sweep(ctx)
	if _, err := os.Stat(art); !os.IsNotExist(err) {
		t.Fatalf("artifact still present past retention: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.ArtifactPath != "" {
		t.Fatalf("ArtifactPath = %q, want cleared", got.ArtifactPath)
	}
}
