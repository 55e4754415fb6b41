package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xserver-network/xserverd/internal/apperr"
)

func TestRequire(t *testing.T) {
	tests := []struct {
		current, minimum Level
		ok               bool
	}{
		{One, RegistryMinimum, true},
		{One, ProfileMinimum, false},
		{Two, ProfileMinimum, true},
		{Two, PriceLockMinimum, false},
		{Three, PriceLockMinimum, true},
		{Three, RegistryMinimum, true},
		{Unknown, RegistryMinimum, false},
		{Level(9), RegistryMinimum, false},
	}
	for _, tt := range tests {
		t.Run(tt.current.String()+">="+tt.minimum.String(), func(t *testing.T) {
			err := Require(tt.current, tt.minimum)
			if tt.ok {
				assert.NoError(t, err)
				assert.True(t, Allowed(tt.current, tt.minimum))
				return
			}
			assert.ErrorIs(t, err, apperr.ErrTierRequirementNotMet)
			assert.False(t, Allowed(tt.current, tt.minimum))
		})
	}
}

func TestRejectionDoesNotLeakMinimum(t *testing.T) {
	a := Require(One, Two)
	b := Require(One, Three)
	require.Error(t, a)
	require.Error(t, b)
	assert.Equal(t, a.Error(), b.Error())
}

func TestParse(t *testing.T) {
	for in, want := range map[string]Level{"1": One, "two": Two, " THREE ": Three} {
		got, err := Parse(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"0", "4", "gold", ""} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestGate(t *testing.T) {
	level := One
	g := NewGate(SourceFunc(func() Level { return level }))
	assert.NoError(t, g.Require(RegistryMinimum))
	assert.Error(t, g.Require(ProfileMinimum))

	level = Three
	assert.NoError(t, g.Require(PriceLockMinimum))
	assert.Equal(t, Three, g.Current())

	var nilGate *Gate
	assert.Error(t, nilGate.Require(RegistryMinimum))
	assert.Equal(t, Unknown, nilGate.Current())
}
