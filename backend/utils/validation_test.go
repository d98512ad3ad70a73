package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Type        string  `validate:"required,oneof=text-generation embeddings rerank"`
	Payload     string  `validate:"required"`
	Temperature float64 `validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int     `validate:"omitempty,gt=0"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		req := sampleRequest{
			Type:        "text-generation",
			Payload:     "hello",
			Temperature: 0.7,
			MaxTokens:   256,
		}
		assert.NoError(t, ValidateStruct(&req))
	})

	t.Run("missing required fields", func(t *testing.T) {
		req := sampleRequest{}
		err := ValidateStruct(&req)
		require.Error(t, err)

		assert.True(t, IsValidationError(err))
		fields := GetValidationFields(err)
		assert.Contains(t, fields, "Type")
		assert.Contains(t, fields, "Payload")
	})

	t.Run("oneof violation", func(t *testing.T) {
		req := sampleRequest{Type: "image-generation", Payload: "x"}
		err := ValidateStruct(&req)
		require.Error(t, err)

		fields := GetValidationFields(err)
		assert.Contains(t, fields["Type"], "must be one of")
	})

	t.Run("range violations", func(t *testing.T) {
		req := sampleRequest{Type: "embeddings", Payload: "x", Temperature: 3.5, MaxTokens: -1}
		err := ValidateStruct(&req)
		require.Error(t, err)

		fields := GetValidationFields(err)
		assert.Contains(t, fields, "Temperature")
		assert.Contains(t, fields, "MaxTokens")
	})
}

func TestIsValidationError(t *testing.T) {
	assert.False(t, IsValidationError(assert.AnError))
	assert.Nil(t, GetValidationFields(assert.AnError))
}
