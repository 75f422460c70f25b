package genetic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterSpec_Validate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		s := ParameterSpec{Name: "x", Kind: KindFloat, Min: 0, Max: 1, Step: 0.1, Default: 0.5}
		assert.NoError(t, s.Validate())
	})

	t.Run("MinAboveMax", func(t *testing.T) {
		s := ParameterSpec{Name: "x", Kind: KindInt, Min: 10, Max: 5, Step: 1, Default: 7}
		assert.Error(t, s.Validate())
	})

	t.Run("DefaultOutsideBounds", func(t *testing.T) {
		s := ParameterSpec{Name: "x", Kind: KindFloat, Min: 0, Max: 1, Step: 0.1, Default: 2}
		assert.Error(t, s.Validate())
	})

	t.Run("NonPositiveStep", func(t *testing.T) {
		s := ParameterSpec{Name: "x", Kind: KindInt, Min: 0, Max: 10, Step: 0, Default: 5}
		assert.Error(t, s.Validate())
	})

	t.Run("UnknownKind", func(t *testing.T) {
		s := ParameterSpec{Name: "x", Kind: Kind("complex"), Min: 0, Max: 1, Step: 1}
		assert.Error(t, s.Validate())
	})

	t.Run("BoolSkipsNumericChecks", func(t *testing.T) {
		s := ParameterSpec{Name: "x", Kind: KindBool}
		assert.NoError(t, s.Validate())
	})
}

func TestValidateSpecs(t *testing.T) {
	t.Run("DefaultsAreValid", func(t *testing.T) {
		assert.NoError(t, ValidateSpecs(DefaultSpecs()))
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Error(t, ValidateSpecs(nil))
	})

	t.Run("DuplicateName", func(t *testing.T) {
		specs := []ParameterSpec{
			{Name: "x", Kind: KindBool},
			{Name: "x", Kind: KindBool},
		}
		assert.Error(t, ValidateSpecs(specs))
	})
}

func TestParameterSpec_Clamp(t *testing.T) {
	s := ParameterSpec{Name: "x", Kind: KindFloat, Min: 1, Max: 4, Step: 0.1, Default: 2}

	assert.Equal(t, 1.0, s.Clamp(0.5))
	assert.Equal(t, 4.0, s.Clamp(9.9))
	assert.Equal(t, 2.5, s.Clamp(2.5))
}

func TestCandidate_Clone(t *testing.T) {
	original := Candidate{"length_bb": 20, "mult_bb": 2.0, "use_true_range": true}

	clone := original.Clone()
	clone["length_bb"] = 50

	assert.Equal(t, 20, original["length_bb"])
	assert.Equal(t, 50, clone["length_bb"])
}

func TestDefaultCandidate(t *testing.T) {
	c := DefaultCandidate(DefaultSpecs())

	assert.Equal(t, 20, c["length_bb"])
	assert.Equal(t, 2.0, c["mult_bb"])
	assert.Equal(t, 20, c["length_kc"])
	assert.Equal(t, 1.5, c["mult_kc"])
	assert.Equal(t, true, c["use_true_range"])
}

func TestCandidate_Coercions(t *testing.T) {
	c := Candidate{
		"int_native":   20,
		"int_json":     20.0,
		"float_native": 2.5,
		"float_int":    3,
		"bool_native":  true,
		"bool_numeric": 1.0,
		"wrong":        "text",
	}

	t.Run("IntValue", func(t *testing.T) {
		v, ok := c.IntValue("int_native")
		require.True(t, ok)
		assert.Equal(t, 20, v)

		v, ok = c.IntValue("int_json")
		require.True(t, ok)
		assert.Equal(t, 20, v)

		_, ok = c.IntValue("wrong")
		assert.False(t, ok)
	})

	t.Run("FloatValue", func(t *testing.T) {
		v, ok := c.FloatValue("float_native")
		require.True(t, ok)
		assert.Equal(t, 2.5, v)

		v, ok = c.FloatValue("float_int")
		require.True(t, ok)
		assert.Equal(t, 3.0, v)

		_, ok = c.FloatValue("missing")
		assert.False(t, ok)
	})

	t.Run("BoolValue", func(t *testing.T) {
		v, ok := c.BoolValue("bool_native")
		require.True(t, ok)
		assert.True(t, v)

		v, ok = c.BoolValue("bool_numeric")
		require.True(t, ok)
		assert.True(t, v)

		_, ok = c.BoolValue("wrong")
		assert.False(t, ok)
	})
}

func TestSanitize(t *testing.T) {
	specs := DefaultSpecs()

	t.Run("ClampsOutOfBounds", func(t *testing.T) {
		c := Sanitize(Candidate{"length_bb": 9999, "mult_bb": 0.0001}, specs)
		assert.Equal(t, 200, c["length_bb"])
		assert.Equal(t, 1.0, c["mult_bb"])
	})

	t.Run("CoercesJSONNumbers", func(t *testing.T) {
		c := Sanitize(Candidate{"length_kc": 33.0, "use_true_range": 0.0}, specs)
		assert.Equal(t, 33, c["length_kc"])
		assert.Equal(t, false, c["use_true_range"])
	})

	t.Run("FillsMissingFromDefaults", func(t *testing.T) {
		c := Sanitize(Candidate{}, specs)
		assert.Equal(t, DefaultCandidate(specs), c)
	})

	t.Run("DropsUnknownGenes", func(t *testing.T) {
		c := Sanitize(Candidate{"surprise": 42}, specs)
		_, present := c["surprise"]
		assert.False(t, present)
		assert.Len(t, c, len(specs))
	})
}
