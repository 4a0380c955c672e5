package secrets

import (
	"context"
	"errors"
	"fmt"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// FileSource reads secrets from a local YAML, JSON or TOML document. It is
// meant for development; the document is a flat map of keys to values.
type FileSource struct {
	path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("secrets file path is required")
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: p}, nil
}

// Fetch reads the document on every call.
func (f *FileSource) Fetch(_ context.Context) (Secrets, error) {
	v := viper.New()
	v.SetConfigFile(f.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	log.WithFields(log.Fields{"event": "secrets_loaded", "source": SourceFile, "path": f.path, "keys": len(v.AllKeys())}).
		Debug("loaded secrets")
	return stringify(v.AllSettings()), nil
}
