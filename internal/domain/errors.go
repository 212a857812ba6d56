package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnknownRuleType     = errors.New("unknown rule type")
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrMissingField        = errors.New("missing required field")
	ErrNoDetectors         = errors.New("no detectors configured")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
	ErrNotFitted           = errors.New("ensemble weights not fitted")
)

// ConfigError reports a rule specification that cannot be loaded. The
// reload it belongs to is rejected as a whole.
type ConfigError struct {
	RuleID string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("rule config: %v", e.Err)
	}
	return fmt.Sprintf("rule %q: %v", e.RuleID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DetectorError reports a failure inside a detector's inference.
type DetectorError struct {
	Detector string
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %q: %v", e.Detector, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }
