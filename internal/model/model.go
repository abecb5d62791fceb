package model

import (
	"io"
	"time"
)

// JobStatus is the lifecycle state of a job row.
//
// Legal transitions:
//
//	pending -> generating -> generated -> sending -> completed|failed
//	any non-terminal -> cancelled|failed
//
// The crash-recovery sweep may additionally return generating to pending
// before redelivering the generation request.
//
// Terminal states never change; writes after that point are recorded as
// audit events only.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobGenerating JobStatus = "generating"
	JobGenerated  JobStatus = "generated"
	JobSending    JobStatus = "sending"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TargetStatus is the per-target delivery state within a job.
type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSending TargetStatus = "sending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
)

func (s TargetStatus) Terminal() bool {
	return s == TargetSent || s == TargetFailed
}

// Failure reasons recorded on jobs and target outcomes.
const (
	ReasonGenerationFailed   = "generation_failed"
	ReasonArtifactTooLarge   = "artifact_too_large"
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonAuthFailed         = "auth_failed"
	ReasonDestinationInvalid = "destination_invalid"
	ReasonCredentialMissing  = "credential_not_found"
	ReasonCancelled          = "cancelled"
	ReasonDeliveryFailed     = "delivery_failed"
	ReasonRecovered          = "recovered"
)

// Target is one delivery destination attached to a schedule.
type Target struct {
	TargetID      string `json:"target_id"`
	HostRef       string `json:"host_ref"`
	CredentialRef string `json:"credential_ref"`
}

// Schedule is a recurring file-movement definition.
//
// Cron is a standard 5-field expression evaluated in Timezone (IANA name).
// NextRunUTC/LastRunUTC are nil until the first computation/trigger.
type Schedule struct {
	ID              string
	Cron            string
	Timezone        string
	Enabled         bool
	SourcePath      string
	DestinationPath string
	Targets         []Target
	NextRunUTC      *time.Time
	LastRunUTC      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Job is one execution of a schedule. The target set is snapshotted at
// creation; later schedule edits do not touch in-flight jobs.
type Job struct {
	ID            string
	ScheduleID    string
	Status        JobStatus
	Reason        string
	SourcePath    string
	DestPath      string
	ArtifactPath  string
	ArtifactHash  string
	ArtifactBytes int64
	Attempts      int
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// TargetOutcome is the delivery record for one (job, target) pair.
type TargetOutcome struct {
	JobID         string
	TargetID      string
	HostRef       string
	CredentialRef string
	Status        TargetStatus
	Attempts      int
	LastError     string
	ArtifactHash  string
	CompletedAt   *time.Time
}

// GenerationRequest asks the generation stage to produce a job's artifact.
type GenerationRequest struct {
	JobID           string    `json:"job_id"`
	ScheduleID      string    `json:"schedule_id"`
	SourcePath      string    `json:"source_path"`
	DestinationPath string    `json:"destination_path"`
	Targets         []Target  `json:"targets"`
	Timestamp       time.Time `json:"timestamp"`
}

// TransferRequest asks the transfer stage to push a generated artifact to
// one target. Attempt is 1 on first delivery and increments on retries.
type TransferRequest struct {
	JobID            string    `json:"job_id"`
	TargetID         string    `json:"target_id"`
	HostRef          string    `json:"host_ref"`
	ArtifactLocation string    `json:"artifact_location"`
	ArtifactHash     string    `json:"artifact_hash"`
	DestinationPath  string    `json:"destination_path"`
	CredentialRef    string    `json:"credential_ref"`
	Attempt          int       `json:"attempt"`
	Timestamp        time.Time `json:"timestamp"`
}

// JobEvent is one audit-trail entry for a job status transition.
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus string
	ToStatus   string
	Reason     string
}

// DeadLetter is a permanently failed work item kept for inspection.
type DeadLetter struct {
	ID       int64
	At       time.Time
	JobID    string
	TargetID string
	Stage    string
	Reason   string
	Detail   string
}

// SourceRef describes what the generator should produce an artifact from.
type SourceRef struct {
	ScheduleID string
	JobID      string
	Path       string
}

// PushRequest carries everything a pusher needs for one delivery attempt.
// Secret is resolved immediately before the attempt and never persisted.
type PushRequest struct {
	JobID           string
	TargetID        string
	HostRef         string
	DestinationPath string
	ArtifactHash    string
	Size            int64
	Body            io.Reader
	Secret          Secret
}
