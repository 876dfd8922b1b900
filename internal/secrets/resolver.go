// Package secrets materializes secret references found in the
// configuration document. A reference names where a value lives instead
// of carrying it: env://NAME, file:///path, or vault://mount/path#field.
// Anything else passes through as a literal.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Reference schemes.
const (
	schemeEnv   = "env://"
	schemeFile  = "file://"
	schemeVault = "vault://"
)

// defaultVaultField is the field read when a vault reference names
// none.
const defaultVaultField = "value"

// ErrNotFound reports a reference whose target holds no value.
var ErrNotFound = errors.New("secret not found")

// VaultReader reads one secret's key/value map. The production
// implementation talks to the KV v2 engine; tests substitute their own.
type VaultReader interface {
	Read(ctx context.Context, mount, path string) (map[string]interface{}, error)
}

// IsRef reports whether s is a secret reference rather than a literal.
func IsRef(s string) bool {
	return strings.HasPrefix(s, schemeEnv) ||
		strings.HasPrefix(s, schemeFile) ||
		strings.HasPrefix(s, schemeVault)
}

// Resolver resolves references to their values. The Vault client is
// dialed on first use, so configurations without vault:// references
// never require a reachable Vault.
type Resolver struct {
	mu       sync.Mutex
	vault    VaultReader
	newVault func() (VaultReader, error)
}

// ResolverOption is a functional option for configuring a Resolver.
type ResolverOption func(*Resolver)

// WithVaultReader substitutes the Vault client, mainly for tests.
func WithVaultReader(reader VaultReader) ResolverOption {
	return func(r *Resolver) {
		r.vault = reader
	}
}

// NewResolver creates a resolver. Vault credentials come from the
// standard VAULT_ADDR and VAULT_TOKEN environment.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{newVault: newVaultKV}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve materializes one reference. Literals and the empty string
// pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, schemeEnv):
		return resolveEnv(strings.TrimPrefix(ref, schemeEnv))
	case strings.HasPrefix(ref, schemeFile):
		return resolveFile(strings.TrimPrefix(ref, schemeFile))
	case strings.HasPrefix(ref, schemeVault):
		return r.resolveVault(ctx, strings.TrimPrefix(ref, schemeVault))
	default:
		return ref, nil
	}
}

// resolveEnv reads an environment variable. Unset is an error; an
// empty value set on purpose is not.
func resolveEnv(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("env reference names no variable: %w", ErrNotFound)
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s: %w", name, ErrNotFound)
	}
	return value, nil
}

// resolveFile reads a file, trimming the trailing newline most secret
// files carry.
func resolveFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file reference names no path: %w", ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file %s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// resolveVault reads mount/path#field from the KV v2 engine.
func (r *Resolver) resolveVault(ctx context.Context, ref string) (string, error) {
	location, field, _ := strings.Cut(ref, "#")
	if field == "" {
		field = defaultVaultField
	}

	mount, path, ok := strings.Cut(strings.Trim(location, "/"), "/")
	if !ok || mount == "" || path == "" {
		return "", fmt.Errorf("vault reference %q needs mount/path: %w", ref, ErrNotFound)
	}

	reader, err := r.vaultReader()
	if err != nil {
		return "", fmt.Errorf("vault client: %w", err)
	}

	data, err := reader.Read(ctx, mount, path)
	if err != nil {
		return "", fmt.Errorf("vault %s/%s: %w", mount, path, err)
	}

	value, ok := data[field]
	if !ok {
		return "", fmt.Errorf("vault %s/%s has no field %q: %w", mount, path, field, ErrNotFound)
	}

	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault %s/%s field %q is not a string", mount, path, field)
	}
	return str, nil
}

// vaultReader returns the Vault client, dialing it on first use.
func (r *Resolver) vaultReader() (VaultReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.vault != nil {
		return r.vault, nil
	}

	reader, err := r.newVault()
	if err != nil {
		return nil, err
	}
	r.vault = reader
	return reader, nil
}
