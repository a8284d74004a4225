package nmt

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/nmt/rnncell"
)

// ConfigurationError is returned when a model cannot be
// built from its hyperparameters.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (c *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s=%q: %s", c.Field, c.Value, c.Reason)
}

func configErr(field string, value interface{}, reason string) error {
	return &ConfigurationError{Field: field, Value: fmt.Sprint(value), Reason: reason}
}

// IsConfigurationError checks if err, or any error that
// it wraps, is a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// fromCellError converts rnncell factory errors.
func fromCellError(err error, context string) error {
	var ce *rnncell.ConfigError
	if errors.As(err, &ce) {
		return errors.Wrap(&ConfigurationError{Field: ce.Field, Value: ce.Value,
			Reason: ce.Reason}, context)
	}
	return errors.Wrap(err, context)
}

// PreconditionViolation is returned when an operation is
// invoked on a model built for a different Mode.
type PreconditionViolation struct {
	Op   string
	Want Mode
	Got  Mode
}

func (p *PreconditionViolation) Error() string {
	return fmt.Sprintf("%s: requires mode %s but model was built for %s", p.Op, p.Want, p.Got)
}

// IsPreconditionViolation checks if err, or any error
// that it wraps, is a *PreconditionViolation.
func IsPreconditionViolation(err error) bool {
	var pv *PreconditionViolation
	return errors.As(err, &pv)
}
