// Package capability declares the external capabilities the pipeline
// consumes: artifact generation, artifact delivery and credential
// resolution. Reference implementations back them with the local
// filesystem so a single binary runs end to end; production deployments
// swap in remote implementations.
package capability

import (
	"context"
	"errors"
	"io"

	"freighter/internal/model"
)

var (
	// ErrCredentialNotFound marks a credential reference with no secret.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrAuthFailed marks a delivery rejected by the target. Terminal per
	// target; retrying cannot change the outcome.
	ErrAuthFailed = errors.New("authentication rejected")

	// ErrDestinationInvalid marks an unusable destination path. Terminal
	// per target.
	ErrDestinationInvalid = errors.New("destination path invalid")
)

// Generator produces a job's artifact as a stream. Implementations write
// the artifact bytes to w and must not buffer the whole artifact.
type Generator interface {
	Generate(ctx context.Context, src model.SourceRef, w io.Writer) error
}

// Pusher delivers one artifact stream to one target. The body must be
// consumed as a stream; the secret is only valid for the duration of the
// call.
type Pusher interface {
	Push(ctx context.Context, req model.PushRequest) error
}

// CredentialResolver maps a credential reference to its secret. Secrets
// are resolved immediately before use and never persisted.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (model.Secret, error)
}
