// Package secrets resolves a session's credentials reference to the secret
// fields a flow needs. The vault file is re-read on every Fetch so nothing is
// cached between steps.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownRef = errors.New("unknown credentials reference")

// Fetcher returns the fields stored under ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (map[string]string, error)
}

// Vault reads a YAML document mapping references to field maps:
//
//	alice-dl:
//	  dl_number: MH47-0000000
//	  dob: 01-01-1990
type Vault struct {
	path string
}

// NewVault returns a Vault backed by the YAML file at path.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

func (v *Vault) Fetch(ctx context.Context, ref string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref = strings.TrimPrefix(ref, "vault:")
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	var doc map[string]map[string]string
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse vault %s: %w", v.path, err)
	}
	fields, ok := doc[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return fields, nil
}

// Static is an in-memory Fetcher for tests and dry runs.
type Static map[string]map[string]string

func (s Static) Fetch(_ context.Context, ref string) (map[string]string, error) {
	fields, ok := s[strings.TrimPrefix(ref, "vault:")]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}
