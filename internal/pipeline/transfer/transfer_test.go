package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"freighter/internal/capability"
	"freighter/internal/model"
	"freighter/internal/retry"
	"freighter/internal/storage"
	logx "freighter/pkg/logx"
)

type fakePusher struct {
	mu    sync.Mutex
	calls int
	body  string
	fn    func(req model.PushRequest) error
}

func (p *fakePusher) Push(ctx context.Context, req model.PushRequest) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.body = string(b)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(req)
	}
	return nil
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fanInRecorder struct {
	calls atomic.Int64
}

func (f *fanInRecorder) OnOutcome(ctx context.Context, jobID string) error {
	f.calls.Add(1)
	return nil
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

// seedSendingJob walks a fresh job to sending with a real spooled artifact
// and returns a transfer request for its single target.
func seedSendingJob(t *testing.T, st *storage.Store, jobID string) model.TransferRequest {
	t.Helper()
	ctx := context.Background()
	due := time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)
	next := due.Add(24 * time.Hour)
	sc := model.Schedule{
		ID:              "s-" + jobID,
		Cron:            "0 10 * * *",
		Timezone:        "UTC",
		Enabled:         true,
		SourcePath:      "unused",
		DestinationPath: "/incoming",
		Targets: []model.Target{
			{TargetID: "t1", HostRef: "host-a", CredentialRef: "cred-a"},
		},
		NextRunUTC: &due,
	}
	if err := st.UpsertSchedule(ctx, sc); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	job, err := st.CreateTriggeredJob(ctx, sc, jobID, due, &next)
	if err != nil {
		t.Fatalf("CreateTriggeredJob: %v", err)
	}

	art := filepath.Join(t.TempDir(), jobID+".artifact")
	if err := os.WriteFile(art, []byte("payload for "+jobID), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	hash := "deadbeef-" + jobID
	if err := st.SetJobArtifact(ctx, job.ID, art, hash, int64(len("payload for "+jobID))); err != nil {
		t.Fatalf("SetJobArtifact: %v", err)
	}
	for _, step := range [][2]model.JobStatus{
		{model.JobPending, model.JobGenerating},
		{model.JobGenerating, model.JobGenerated},
		{model.JobGenerated, model.JobSending},
	} {
		if ok, err := st.CASJobStatus(ctx, job.ID, step[0], step[1], ""); err != nil || !ok {
			t.Fatalf("CAS %s->%s: ok=%v err=%v", step[0], step[1], ok, err)
		}
	}
	return model.TransferRequest{
		JobID:            job.ID,
		TargetID:         "t1",
		HostRef:          "host-a",
		ArtifactLocation: art,
		ArtifactHash:     hash,
		DestinationPath:  "/incoming",
		CredentialRef:    "cred-a",
		Attempt:          1,
		Timestamp:        time.Now().UTC(),
	}
}

func newStage(st *storage.Store, pusher capability.Pusher, fanin FanIn, cfg Config) *Stage {
	creds := capability.NewStaticCredentials(map[string]string{"cred-a": "s3cr3t"})
	return New(cfg, st, pusher, creds, fanin, nil, logx.Nop(), nil)
}

func run(s *Stage, req model.TransferRequest) {
	stopCh := make(chan struct{})
	rng := rand.New(rand.NewSource(1))
	s.handle(context.Background(), stopCh, req, rng)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliverSuccess(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	req := seedSendingJob(t, st, "job-ok")

	pusher := &fakePusher{}
	fanin := &fanInRecorder{}
	s := newStage(st, pusher, fanin, Config{})

	run(s, req)

	out, err := st.GetOutcome(context.Background(), req.JobID, req.TargetID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Status != model.TargetSent {
		t.Fatalf("status = %v, want %v", out.Status, model.TargetSent)
	}
	if out.ArtifactHash != req.ArtifactHash {
		t.Fatalf("ArtifactHash = %q, want %q", out.ArtifactHash, req.ArtifactHash)
	}
	if pusher.body != "payload for job-ok" {
		t.Fatalf("pushed body = %q", pusher.body)
	}
	if got := fanin.calls.Load(); got != 1 {
		t.Fatalf("fan-in notified %d times, want 1", got)
	}
}

func TestAuthFailureIsTerminalPerTarget(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	req := seedSendingJob(t, st, "job-auth")

	pusher := &fakePusher{fn: func(model.PushRequest) error {
		return fmt.Errorf("host-a: %w", capability.ErrAuthFailed)
	}}
	fanin := &fanInRecorder{}
	s := newStage(st, pusher, fanin, Config{
		Retry: retry.Policy{MaxAttempts: 5, Base: time.Millisecond},
	})

	run(s, req)

	if pusher.count() != 1 {
		t.Fatalf("push calls = %d, want 1 (auth failure must not retry)", pusher.count())
	}
	out, err := st.GetOutcome(context.Background(), req.JobID, req.TargetID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Status != model.TargetFailed {
		t.Fatalf("status = %v, want %v", out.Status, model.TargetFailed)
	}
	if !strings.HasPrefix(out.LastError, model.ReasonAuthFailed) {
		t.Fatalf("LastError = %q, want %s prefix", out.LastError, model.ReasonAuthFailed)
	}
	if got := fanin.calls.Load(); got != 1 {
		t.Fatalf("fan-in notified %d times, want 1", got)
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	req := seedSendingJob(t, st, "job-flaky")

	pusher := &fakePusher{fn: func(model.PushRequest) error {
		return errors.New("connection reset")
	}}
	fanin := &fanInRecorder{}
	s := newStage(st, pusher, fanin, Config{
		Workers: 1,
		Retry:   retry.Policy{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Circuit: CircuitConfig{TripFailures: -1},
	})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	if err := s.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "outcome to fail", func() bool {
		out, err := st.GetOutcome(ctx, req.JobID, req.TargetID)
		return err == nil && out.Status == model.TargetFailed
	})

	if pusher.count() != 3 {
		t.Fatalf("push calls = %d, want exactly 3", pusher.count())
	}
	out, _ := st.GetOutcome(ctx, req.JobID, req.TargetID)
	if !strings.HasPrefix(out.LastError, model.ReasonRetriesExhausted) {
		t.Fatalf("LastError = %q, want %s prefix", out.LastError, model.ReasonRetriesExhausted)
	}
	dls, err := st.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dls) != 1 || dls[0].JobID != req.JobID || dls[0].TargetID != req.TargetID || dls[0].Stage != "transfer" {
		t.Fatalf("dead letters = %+v", dls)
	}
}

func TestDuplicateHashSkipsPush(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	req := seedSendingJob(t, st, "job-dup")

	pusher := &fakePusher{}
	fanin := &fanInRecorder{}
	s := newStage(st, pusher, fanin, Config{})

	run(s, req)
	if pusher.count() != 1 {
		t.Fatalf("push calls after first delivery = %d, want 1", pusher.count())
	}

	// Redelivery of the same artifact: no network, success re-reported.
	run(s, req)
	if pusher.count() != 1 {
		t.Fatalf("push calls after redelivery = %d, want still 1", pusher.count())
	}
	if got := fanin.calls.Load(); got != 2 {
		t.Fatalf("fan-in notified %d times, want 2", got)
	}
}

func TestCancelledJobSuppressesAttempt(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	req := seedSendingJob(t, st, "job-cxl")
	ctx := context.Background()

	if ok, err := st.CancelJob(ctx, req.JobID, "operator request"); err != nil || !ok {
		t.Fatalf("CancelJob: ok=%v err=%v", ok, err)
	}

	pusher := &fakePusher{}
	fanin := &fanInRecorder{}
	s := newStage(st, pusher, fanin, Config{})

	run(s, req)

	if pusher.count() != 0 {
		t.Fatalf("push calls = %d, want 0 for cancelled job", pusher.count())
	}
	out, err := st.GetOutcome(ctx, req.JobID, req.TargetID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Status != model.TargetPending {
		t.Fatalf("outcome status = %v, want untouched pending", out.Status)
	}
	events, err := st.ListJobEvents(ctx, req.JobID)
	if err != nil {
		t.Fatalf("ListJobEvents: %v", err)
	}
	found := false
	for _, e := range events {
		if strings.Contains(e.Reason, "suppressed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no suppression audit event in %+v", events)
	}
}

func TestMissingArtifactFailsTarget(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	req := seedSendingJob(t, st, "job-gone")
	req.ArtifactLocation = filepath.Join(t.TempDir(), "missing.artifact")

	pusher := &fakePusher{}
	fanin := &fanInRecorder{}
	s := newStage(st, pusher, fanin, Config{
		Retry: retry.Policy{MaxAttempts: 5, Base: time.Millisecond},
	})

	run(s, req)

	if pusher.count() != 0 {
		t.Fatalf("push calls = %d, want 0 when the artifact is gone", pusher.count())
	}
	out, err := st.GetOutcome(context.Background(), req.JobID, req.TargetID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.Status != model.TargetFailed {
		t.Fatalf("status = %v, want %v", out.Status, model.TargetFailed)
	}
	if !strings.HasPrefix(out.LastError, model.ReasonDeliveryFailed) {
		t.Fatalf("LastError = %q, want %s prefix", out.LastError, model.ReasonDeliveryFailed)
	}
}
