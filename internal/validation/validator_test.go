package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
)

func TestValidateSensorInit(t *testing.T) {
	v := NewValidatorWithLimits(2, 0)

	tests := []struct {
		name       string
		typ        model.RecordType
		source     model.Source
		registered int
		want       error
	}{
		{"valid ts", model.RecordTypeTS, model.SourceHost, 0, nil},
		{"valid evt", model.RecordTypeEVT, model.SourceCAN, 1, nil},
		{"bad type", model.RecordType(9), model.SourceHost, 0, sserrors.ErrInvalid},
		{"bad source", model.RecordTypeTS, model.Source(0), 0, sserrors.ErrInvalid},
		{"table full", model.RecordTypeTS, model.SourceHost, 2, sserrors.ErrNoMem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateSensorInit(7, tt.typ, tt.source, tt.registered)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateAdd(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAdd(model.RecordTypeTS, model.RecordTypeTS))
	assert.ErrorIs(t, v.ValidateAdd(model.RecordTypeEVT, model.RecordTypeTS), sserrors.ErrInvalid)
}

func TestValidateBatchSize(t *testing.T) {
	v := NewValidatorWithLimits(0, 100)

	assert.NoError(t, v.ValidateBatchSize(1))
	assert.NoError(t, v.ValidateBatchSize(100))
	assert.ErrorIs(t, v.ValidateBatchSize(0), sserrors.ErrInvalid)
	assert.ErrorIs(t, v.ValidateBatchSize(-3), sserrors.ErrInvalid)
	assert.ErrorIs(t, v.ValidateBatchSize(101), sserrors.ErrInvalid)
}

func TestNewValidatorWithLimits_Defaults(t *testing.T) {
	v := NewValidatorWithLimits(-1, 0)
	assert.Equal(t, DefaultMaxSensors, v.MaxSensors())
}
