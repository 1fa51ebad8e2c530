package scorer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testArtifact = `version: 1
features: [amount, hour_of_day, gap_seconds]
sample_size: 256
trees:
  - nodes:
      - {feature: 0, split: 1000, left: 1, right: 2}
      - {leaf: true, size: 200}
      - {leaf: true, size: 2}
  - nodes:
      - {feature: 2, split: 30, left: 1, right: 2}
      - {leaf: true, size: 3}
      - {feature: 1, split: 6, left: 3, right: 4}
      - {leaf: true, size: 50}
      - {leaf: true, size: 180}
`

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadForest(t *testing.T) {
	forest, err := LoadForest(writeArtifact(t, testArtifact))
	require.NoError(t, err)

	assert.Len(t, forest.Trees, 2)
	assert.Equal(t, []string{"amount", "hour_of_day", "gap_seconds"}, forest.Features)
}

func TestLoadForest_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "not yaml", content: "{{{"},
		{name: "no trees", content: "version: 1\nfeatures: [a]\nsample_size: 10\ntrees: []"},
		{
			name: "child index out of range",
			content: `version: 1
features: [a]
sample_size: 10
trees:
  - nodes:
      - {feature: 0, split: 1, left: 5, right: 6}
`,
		},
		{
			name: "feature index out of range",
			content: `version: 1
features: [a]
sample_size: 10
trees:
  - nodes:
      - {feature: 3, split: 1, left: 1, right: 2}
      - {leaf: true, size: 5}
      - {leaf: true, size: 5}
`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadForest(writeArtifact(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestForestScore_RangeAndOrdering(t *testing.T) {
	forest, err := LoadForest(writeArtifact(t, testArtifact))
	require.NoError(t, err)

	// An isolated point (huge amount, tiny gap) lands in shallow sparse
	// leaves and must outscore a typical point.
	outlier, err := forest.Score([]float64{50_000, 3, 5})
	require.NoError(t, err)
	typical, err := forest.Score([]float64{25, 14, 7_200})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, outlier, 0.0)
	assert.LessOrEqual(t, outlier, 1.0)
	assert.Greater(t, outlier, typical)
}

func TestForestScore_FeatureArityMismatch(t *testing.T) {
	forest, err := LoadForest(writeArtifact(t, testArtifact))
	require.NoError(t, err)

	_, err = forest.Score([]float64{1, 2})
	assert.Error(t, err)
}
