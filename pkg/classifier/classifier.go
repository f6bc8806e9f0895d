/*
Copyright 2022 The Numaproj Authors.

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

// Package classifier labels the payloads of the tasks. The classifier is opaque to the rest of the system.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Classifier returns the label of a payload. The name is the original file name.
type Classifier interface {
	Classify(ctx context.Context, name string, data []byte) (string, error)
}

// ClassifierFunc adapts a function to a Classifier.
type ClassifierFunc func(ctx context.Context, name string, data []byte) (string, error)

func (f ClassifierFunc) Classify(ctx context.Context, name string, data []byte) (string, error) {
	return f(ctx, name, data)
}

// ErrEmptyLabel is returned when the classifier produces no label.
var ErrEmptyLabel = errors.New("empty label")

// NewMIMEClassifier labels a payload with its detected media type, e.g. "image/jpeg".
func NewMIMEClassifier() Classifier {
	return ClassifierFunc(func(_ context.Context, _ string, data []byte) (string, error) {
		return mimetype.Detect(data).String(), nil
	})
}

// commandClassifier runs an external program with the path of the payload appended to its arguments.
// The program prints either the label or "<name>,<label>" as the last line of its output.
type commandClassifier struct {
	argv   []string
	tmpDir string
}

// NewCommandClassifier returns a classifier running argv.
func NewCommandClassifier(argv []string) (Classifier, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("classifier command is empty")
	}
	return &commandClassifier{argv: argv, tmpDir: os.TempDir()}, nil
}

func (c *commandClassifier) Classify(ctx context.Context, name string, data []byte) (string, error) {
	base := filepath.Base(name)
	f, err := os.CreateTemp(c.tmpDir, "numapool-*-"+base)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file, %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write temp file, %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file, %w", err)
	}

	args := append(append([]string{}, c.argv[1:]...), f.Name())
	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("classifier command failed, %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseLabel(stdout.String(), filepath.Base(f.Name()), base)
}

// parseLabel extracts the label from the last non empty line of the output.
func parseLabel(output string, prefixes ...string) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(line, p+","); ok {
			line = strings.TrimSpace(rest)
			break
		}
	}
	if line == "" {
		return "", ErrEmptyLabel
	}
	return line, nil
}
