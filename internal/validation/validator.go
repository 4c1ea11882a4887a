package validation

import (
	"fmt"

	"github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
)

const (
	// DefaultMaxSensors bounds the sensor table when no limit is configured
	DefaultMaxSensors = 256

	// DefaultMaxBatch bounds a single consume batch
	DefaultMaxBatch = 65536
)

// Validator validates public API arguments before they reach a store
type Validator struct {
	maxSensors int
	maxBatch   int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxSensors: DefaultMaxSensors,
		maxBatch:   DefaultMaxBatch,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
// Non-positive limits fall back to the defaults.
func NewValidatorWithLimits(maxSensors, maxBatch int) *Validator {
	v := NewValidator()
	if maxSensors > 0 {
		v.maxSensors = maxSensors
	}
	if maxBatch > 0 {
		v.maxBatch = maxBatch
	}
	return v
}

// MaxSensors returns the sensor table limit
func (v *Validator) MaxSensors() int {
	return v.maxSensors
}

// ValidateSensorInit validates a sensor registration. registered is the
// number of sensors already in the table.
func (v *Validator) ValidateSensorInit(sensorID uint32, typ model.RecordType, source model.Source, registered int) error {
	if err := v.ValidateRecordType(typ); err != nil {
		return err
	}
	if !source.Valid() {
		return errors.Invalid(fmt.Sprintf("unknown source %d", source), nil).
			WithDetail("sensor_id", sensorID)
	}
	if registered >= v.maxSensors {
		return errors.NoMem("sensor table", registered, v.maxSensors).
			WithDetail("sensor_id", sensorID)
	}
	return nil
}

// ValidateRecordType validates a record type
func (v *Validator) ValidateRecordType(typ model.RecordType) error {
	if !typ.Valid() {
		return errors.Invalid(fmt.Sprintf("unknown record type %d", typ), nil)
	}
	return nil
}

// ValidateAdd checks that an add of kind got is allowed on a sensor of type want
func (v *Validator) ValidateAdd(want, got model.RecordType) error {
	if want != got {
		return errors.Invalid("record type mismatch", nil).
			WithDetail("sensor_type", want.String()).
			WithDetail("add_type", got.String())
	}
	return nil
}

// ValidateBatchSize validates a consume batch request
func (v *Validator) ValidateBatchSize(max int) error {
	if max <= 0 {
		return errors.Invalid("batch size must be positive", nil).WithDetail("max_records", max)
	}
	if max > v.maxBatch {
		return errors.Invalid(fmt.Sprintf("batch size exceeds maximum of %d", v.maxBatch), nil).
			WithDetail("max_records", max)
	}
	return nil
}
