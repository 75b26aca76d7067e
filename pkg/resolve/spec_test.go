package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		want PackageSpec
	}{
		{"alpha", PackageSpec{Name: "alpha"}},
		{"alpha@^1.0.0", PackageSpec{Name: "alpha", Range: "^1.0.0"}},
		{" alpha@ ~2.1 ", PackageSpec{Name: "alpha", Range: "~2.1"}},
		{"alpha@latest", PackageSpec{Name: "alpha", Range: "latest"}},
		{"alpha@next", PackageSpec{Name: "alpha", Range: "next"}},
		{"@scope/pkg", PackageSpec{Name: "@scope/pkg"}},
		{"@scope/pkg@>=1.0.0 <2.0.0", PackageSpec{Name: "@scope/pkg", Range: ">=1.0.0 <2.0.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpec(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSpecErrors(t *testing.T) {
	tests := []struct {
		in   string
		code errors.Code
	}{
		{"", errors.ErrCodeInvalidPackage},
		{"Alpha", errors.ErrCodeInvalidPackage},
		{"../alpha", errors.ErrCodeInvalidPackage},
		{"alpha@>>>1", errors.ErrCodeInvalidInput},
		{"alpha@!!", errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseSpec(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestPackageSpecString(t *testing.T) {
	assert.Equal(t, "alpha", PackageSpec{Name: "alpha"}.String())
	assert.Equal(t, "alpha@^1.0.0", PackageSpec{Name: "alpha", Range: "^1.0.0"}.String())
}

func TestRequirementString(t *testing.T) {
	assert.Equal(t, "<project> wants latest", Requirement{}.String())
	assert.Equal(t, "gamma wants ^2.0.0", Requirement{From: "gamma", Range: "^2.0.0"}.String())
}

func TestPackageSpecAccepts(t *testing.T) {
	tests := []struct {
		rng     string
		version string
		want    bool
	}{
		{"^1.0.0", "1.4.2", true},
		{"^1.0.0", "2.0.0", false},
		{"~2.1.0", "2.1.9", true},
		{"", "9.9.9", true},
		{"latest", "0.0.1", true},
		{"next", "3.0.0-rc.1", true},
		{"^1.0.0", "not-a-version", false},
		{">>>", "1.0.0", false},
	}
	for _, tt := range tests {
		got := PackageSpec{Name: "alpha", Range: tt.rng}.Accepts(tt.version)
		assert.Equal(t, tt.want, got, "%q accepts %s", tt.rng, tt.version)
	}
}

func TestHighestSatisfying(t *testing.T) {
	reg := newFakeRegistry()
	reg.publish("alpha", "1.0.0", nil)
	reg.publish("alpha", "1.3.0", nil)
	reg.publish("alpha", "2.0.0", nil)
	reg.publish("alpha", "3.0.0-beta.1", nil)
	reg.tag("alpha", "latest", "1.3.0")
	reg.tag("alpha", "next", "3.0.0-beta.1")
	m := reg.docs["alpha"]

	tests := map[string]string{
		"^1.0.0": "1.3.0",
		"*":      "2.0.0",
		"":       "1.3.0",
		"next":   "3.0.0-beta.1",
	}
	for rng, want := range tests {
		got, ok := HighestSatisfying(m, rng)
		assert.True(t, ok, rng)
		assert.Equal(t, want, got, rng)
	}

	_, ok := HighestSatisfying(m, "^9.0.0")
	assert.False(t, ok)
}
