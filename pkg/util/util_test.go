/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name       string
		outputType string
		level      string
		wantLevel  log.Level
		checkFunc  func(*testing.T, log.Formatter)
	}{
		{
			name:       "JSON formatter",
			outputType: "json",
			level:      "debug",
			wantLevel:  log.DebugLevel,
			checkFunc: func(t *testing.T, formatter log.Formatter) {
				_, ok := formatter.(*log.JSONFormatter)
				if !ok {
					t.Errorf("Expected JSONFormatter, got %T", formatter)
				}
			},
		},
		{
			name:       "Text formatter default",
			outputType: "text",
			level:      "info",
			wantLevel:  log.InfoLevel,
			checkFunc: func(t *testing.T, formatter log.Formatter) {
				tf, ok := formatter.(*log.TextFormatter)
				if !ok {
					t.Fatalf("Expected TextFormatter, got %T", formatter)
				}
				if !tf.DisableLevelTruncation {
					t.Errorf("Expected level truncation disabled")
				}
			},
		},
		{
			name:       "Text formatter for unknown type",
			outputType: "unknown",
			level:      "WARN",
			wantLevel:  log.WarnLevel,
			checkFunc: func(t *testing.T, formatter log.Formatter) {
				_, ok := formatter.(*log.TextFormatter)
				if !ok {
					t.Errorf("Expected TextFormatter, got %T", formatter)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closer, err := SetupLogger(tt.outputType, tt.level, "")
			if err != nil {
				t.Fatalf("SetupLogger() returned error: %v", err)
			}
			defer func() { _ = closer.Close() }()

			tt.checkFunc(t, log.StandardLogger().Formatter)
			if got := log.GetLevel(); got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
		})
	}
	log.SetLevel(log.InfoLevel)
}

func TestSetupLoggerInvalidLevel(t *testing.T) {
	if _, err := SetupLogger("text", "loud", ""); err == nil {
		t.Errorf("SetupLogger() expected error for an invalid level")
	}
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.log")
	closer, err := SetupLogger("json", "info", path)
	if err != nil {
		t.Fatalf("SetupLogger() returned error: %v", err)
	}

	log.WithField("event", "test").Info("written to file")
	_ = closer.Close()
	log.SetOutput(os.Stderr)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"event":"test"`) {
		t.Errorf("log file missing entry: %s", b)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := homedir.Dir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/.nodescaler.yaml", filepath.Join(home, ".nodescaler.yaml")},
		{"/etc/nodescaler.yaml", "/etc/nodescaler.yaml"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ExpandPath(tt.in)
			if err != nil {
				t.Fatalf("ExpandPath(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
