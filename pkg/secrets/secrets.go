// Package secrets loads the credentials the control loop needs at startup.
package secrets

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Source kinds.
const (
	SourceVault = "vault"
	SourceFile  = "file"
)

// Secrets is a flat key/value view of a secret document.
type Secrets map[string]string

// Require returns an error naming every key that is missing or empty.
func (s Secrets) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(s[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("missing secrets: %s", strings.Join(missing, ", "))
}

// Source fetches the secret document.
type Source interface {
	Fetch(ctx context.Context) (Secrets, error)
}

// Options selects and configures a Source.
type Options struct {
	Kind string

	VaultAddress   string
	VaultTokenFile string
	VaultPath      string

	FilePath string
}

// NewSource returns the Source named by opts.Kind.
func NewSource(opts Options) (Source, error) {
	switch strings.ToLower(opts.Kind) {
	case SourceVault, "":
		return NewVaultSource(opts.VaultAddress, opts.VaultTokenFile, opts.VaultPath)
	case SourceFile:
		return NewFileSource(opts.FilePath)
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", opts.Kind)
	}
}

func stringify(data map[string]interface{}) Secrets {
	out := make(Secrets, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
