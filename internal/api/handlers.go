package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"freighter/internal/model"
	"freighter/internal/storage"
	logx "freighter/pkg/logx"
)

// Store is the read-only slice of the durable store this surface serves.
type Store interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListOutcomes(ctx context.Context, jobID string) ([]model.TargetOutcome, error)
	ListJobEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)
	GetSchedule(ctx context.Context, id string) (model.Schedule, error)
	ListSchedules(ctx context.Context) ([]model.Schedule, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

// Canceller is the external cancellation inlet; in-process this is the
// aggregator.
type Canceller interface {
	Cancel(ctx context.Context, jobID, reason string) (bool, error)
}

// HealthFunc supplies the healthz payload (counters, goroutine stats).
type HealthFunc func() map[string]any

type handlers struct {
	store     Store
	canceller Canceller
	health    HealthFunc
	log       logx.Logger
}

// Wire shapes. Times are RFC3339 UTC; nullable ones are pointers.

type jobJSON struct {
	ID            string        `json:"id"`
	ScheduleID    string        `json:"schedule_id"`
	Status        string        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	SourcePath    string        `json:"source_path"`
	DestPath      string        `json:"dest_path"`
	ArtifactHash  string        `json:"artifact_hash,omitempty"`
	ArtifactBytes int64         `json:"artifact_bytes"`
	Attempts      int           `json:"attempts"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Targets       []outcomeJSON `json:"targets,omitempty"`
}

type outcomeJSON struct {
	TargetID     string     `json:"target_id"`
	HostRef      string     `json:"host_ref"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	ArtifactHash string     `json:"artifact_hash,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type scheduleJSON struct {
	ID         string         `json:"id"`
	Cron       string         `json:"cron"`
	Timezone   string         `json:"timezone"`
	Enabled    bool           `json:"enabled"`
	SourcePath string         `json:"source_path"`
	DestPath   string         `json:"dest_path"`
	Targets    []model.Target `json:"targets"`
	NextRunUTC *time.Time     `json:"next_run_utc,omitempty"`
	LastRunUTC *time.Time     `json:"last_run_utc,omitempty"`
}

type eventJSON struct {
	At         time.Time `json:"at"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
}

type deadLetterJSON struct {
	ID       int64     `json:"id"`
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	TargetID string    `json:"target_id,omitempty"`
	Stage    string    `json:"stage"`
	Reason   string    `json:"reason"`
	Detail   string    `json:"detail,omitempty"`
}

func toJobJSON(j model.Job, outs []model.TargetOutcome) jobJSON {
	out := jobJSON{
		ID:            j.ID,
		ScheduleID:    j.ScheduleID,
		Status:        string(j.Status),
		Reason:        j.Reason,
		SourcePath:    j.SourcePath,
		DestPath:      j.DestPath,
		ArtifactHash:  j.ArtifactHash,
		ArtifactBytes: j.ArtifactBytes,
		Attempts:      j.Attempts,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
	}
	for _, o := range outs {
		out.Targets = append(out.Targets, toOutcomeJSON(o))
	}
	return out
}

func toOutcomeJSON(o model.TargetOutcome) outcomeJSON {
	return outcomeJSON{
		TargetID:     o.TargetID,
		HostRef:      o.HostRef,
		Status:       string(o.Status),
		Attempts:     o.Attempts,
		LastError:    o.LastError,
		ArtifactHash: o.ArtifactHash,
		CompletedAt:  o.CompletedAt,
	}
}

func toScheduleJSON(sc model.Schedule) scheduleJSON {
	return scheduleJSON{
		ID:         sc.ID,
		Cron:       sc.Cron,
		Timezone:   sc.Timezone,
		Enabled:    sc.Enabled,
		SourcePath: sc.SourcePath,
		DestPath:   sc.DestinationPath,
		Targets:    sc.Targets,
		NextRunUTC: sc.NextRunUTC,
		LastRunUTC: sc.LastRunUTC,
	}
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.health != nil {
		for k, v := range h.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	outs, err := h.store.ListOutcomes(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job, outs))
}

func (h *handlers) getJobTargets(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}
	outs, err := h.store.ListOutcomes(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	list := make([]outcomeJSON, 0, len(outs))
	for _, o := range outs {
		list = append(list, toOutcomeJSON(o))
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) getJobEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}
	events, err := h.store.ListJobEvents(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	list := make([]eventJSON, 0, len(events))
	for _, e := range events {
		list = append(list, eventJSON{
			At: e.At, FromStatus: e.FromStatus, ToStatus: e.ToStatus, Reason: e.Reason,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}
	swapped, err := h.canceller.Cancel(r.Context(), id, model.ReasonCancelled)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if !swapped {
		// Already terminal: cancellation is a no-op, not a conflict worth
		// failing the caller over.
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": false, "reason": "job already terminal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (h *handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	scs, err := h.store.ListSchedules(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	list := make([]scheduleJSON, 0, len(scs))
	for _, sc := range scs {
		list = append(list, toScheduleJSON(sc))
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.store.GetSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleJSON(sc))
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	dls, err := h.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.storeError(w, err)
		return
	}
	list := make([]deadLetterJSON, 0, len(dls))
	for _, d := range dls {
		list = append(list, deadLetterJSON{
			ID: d.ID, At: d.At, JobID: d.JobID, TargetID: d.TargetID,
			Stage: d.Stage, Reason: d.Reason, Detail: d.Detail,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Error("api store error", logx.Any("err", err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
