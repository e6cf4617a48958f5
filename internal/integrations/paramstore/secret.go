package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape stored in SSM for every provider secret.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret resolves a provider credential once per process. A value supplied
// through the environment wins; otherwise the token is read from SSM.
type Secret struct {
	getter Getter
	name   string
	static string

	mu    sync.Mutex
	value string
}

// NewSecret returns a Secret that prefers envValue and falls back to the SSM
// parameter name. getter may be nil when envValue is set.
func NewSecret(getter Getter, envValue, name string) *Secret {
	return &Secret{
		getter: getter,
		name:   strings.TrimSpace(name),
		static: strings.TrimSpace(envValue),
	}
}

// Static wraps an already known credential.
func Static(value string) *Secret {
	return NewSecret(nil, value, "")
}

// Value returns the credential. A fetched token is kept for the life of the
// process; a failed fetch is retried on the next call.
func (s *Secret) Value(ctx context.Context) (string, error) {
	if s.static != "" {
		return s.static, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" {
		return s.value, nil
	}
	v, err := FetchToken(ctx, s.getter, s.name)
	if err != nil {
		return "", err
	}
	s.value = v
	return v, nil
}

// Source reports where the credential comes from, for startup logs.
func (s *Secret) Source() string {
	switch {
	case s.static != "":
		return "env"
	case s.getter != nil && s.name != "":
		return "ssm:" + s.name
	default:
		return "unset"
	}
}

// FetchToken reads name from the parameter store and unwraps its token field.
func FetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal %q as token JSON: %w", name, err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("paramstore: token in %q is empty", name)
	}
	return strings.TrimSpace(tp.Token), nil
}
