package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk rule configuration. JSON documents parse as well,
// being valid YAML.
type File struct {
	Rules []*domain.RuleSpec `yaml:"rules"`
}

// LoadFile reads rule specs from a YAML or JSON file.
func LoadFile(path string) ([]*domain.RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a rule document. Unknown keys are rejected so a misspelt
// field fails the load instead of silently defaulting.
func Parse(data []byte) ([]*domain.RuleSpec, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, &domain.ConfigError{Err: fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)}
	}
	for i, spec := range f.Rules {
		if spec == nil {
			return nil, &domain.ConfigError{Err: fmt.Errorf("%w: rule %d is empty", domain.ErrInvalidInput, i)}
		}
		if spec.Type == "" {
			return nil, &domain.ConfigError{RuleID: spec.ID, Err: fmt.Errorf("%w: type", domain.ErrMissingField)}
		}
	}
	return f.Rules, nil
}
