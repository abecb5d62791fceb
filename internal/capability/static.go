package capability

import (
	"context"
	"fmt"

	"freighter/internal/model"
)

// StaticCredentials resolves references from a fixed in-memory map,
// typically seeded from configuration.
type StaticCredentials struct {
	secrets map[string]model.Secret
}

// NewStaticCredentials copies refs into a resolver. Values are wrapped in
// model.Secret immediately so they cannot leak through formatting.
func NewStaticCredentials(refs map[string]string) *StaticCredentials {
	m := make(map[string]model.Secret, len(refs))
	for ref, v := range refs {
		m[ref] = model.NewSecret(v)
	}
	return &StaticCredentials{secrets: m}
}

func (s *StaticCredentials) Resolve(ctx context.Context, ref string) (model.Secret, error) {
	_ = ctx
	sec, ok := s.secrets[ref]
	if !ok || sec.IsZero() {
		return model.Secret{}, fmt.Errorf("resolve %q: %w", ref, ErrCredentialNotFound)
	}
	return sec, nil
}
