// Package secrets resolves opaque secret references so secret values never
// appear in config files or the store. Two schemes are supported:
//
//	env:NAME                          process environment
//	gsm:projects/p/secrets/s/versions/latest   Google Secret Manager
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/api/option"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

// Resolver maps secret references to secret values. Secret Manager lookups
// are cached for the process lifetime; rotation takes a restart.
type Resolver struct {
	sm *secretmanager.Service

	mu    sync.RWMutex
	cache map[string]string
}

// New builds a Resolver. credentialsFile may be empty, in which case
// application default credentials are used; a Resolver without reachable
// Secret Manager still serves env: references.
func New(ctx context.Context, credentialsFile string) (*Resolver, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	sm, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init secret manager client: %w", err)
	}
	return &Resolver{sm: sm, cache: make(map[string]string)}, nil
}

// NewEnvOnly builds a Resolver that serves only env: references. Used in
// tests and local dev without Google credentials.
func NewEnvOnly() *Resolver {
	return &Resolver{cache: make(map[string]string)}
}

// Resolve returns the secret value for ref. An empty ref resolves to "",
// which callers treat as "secret not configured".
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		return os.Getenv(strings.TrimPrefix(ref, "env:")), nil
	case strings.HasPrefix(ref, "gsm:"):
		return r.resolveGSM(ctx, strings.TrimPrefix(ref, "gsm:"))
	}
	return "", fmt.Errorf("unrecognized secret reference scheme in %q", ref)
}

func (r *Resolver) resolveGSM(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	cached, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if r.sm == nil {
		return "", fmt.Errorf("secret manager not configured, cannot resolve %q", name)
	}

	resp, err := r.sm.Projects.Secrets.Versions.Access(name).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("access secret %s: %w", name, err)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
	if err != nil {
		return "", fmt.Errorf("decode secret %s payload: %w", name, err)
	}
	value := string(raw)

	r.mu.Lock()
	r.cache[name] = value
	r.mu.Unlock()
	return value, nil
}
