package model

// Secret holds a resolved credential. The value is unexported and the type
// redacts itself in every text representation, so a Secret that ends up in a
// log line or a %v format never leaks the material.
type Secret struct {
	value string
}

func NewSecret(v string) Secret { return Secret{value: v} }

// Reveal returns the credential material. Call sites should pass the result
// straight into the transport and never retain it.
func (s Secret) Reveal() string { return s.value }

func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string { return "[redacted]" }

func (s Secret) GoString() string { return "model.Secret{[redacted]}" }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[redacted]"`), nil }
