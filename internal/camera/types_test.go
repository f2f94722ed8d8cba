package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFacingModeToggle は向きの切り替えをテストする
func TestFacingModeToggle(t *testing.T) {
	assert.Equal(t, FacingBack, FacingFront.Toggle())
	assert.Equal(t, FacingFront, FacingBack.Toggle())
}

// TestParseFacingMode は向きの解析をテストする
func TestParseFacingMode(t *testing.T) {
	cases := map[string]FacingMode{
		"front":       FacingFront,
		"user":        FacingFront,
		" BACK ":      FacingBack,
		"environment": FacingBack,
	}
	for in, want := range cases {
		got, err := ParseFacingMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFacingMode("left")
	assert.Error(t, err)
}

// TestConstraintsDegraded は既定条件への切り替えをテストする
func TestConstraintsDegraded(t *testing.T) {
	c := Constraints{Facing: FacingFront, PreferredWidth: 1920, PreferredHeight: 1080}
	assert.True(t, c.HasResolutionHint())

	d := c.Degraded()
	assert.False(t, d.HasResolutionHint())
	assert.Empty(t, d.Facing)
}
