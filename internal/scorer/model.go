package scorer

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Forest is an isolation forest trained offline and shipped as a YAML
// artifact. Evaluation is pure tree-walking; there is no training code
// in this process.
type Forest struct {
	Version    int      `yaml:"version"`
	Features   []string `yaml:"features"`
	SampleSize int      `yaml:"sample_size"`
	Trees      []Tree   `yaml:"trees"`
}

type Tree struct {
	Nodes []Node `yaml:"nodes"`
}

// Node is one tree node. Leaf nodes carry Size (training samples that
// landed there); internal nodes carry the split and child indices.
type Node struct {
	Leaf    bool    `yaml:"leaf,omitempty"`
	Size    int     `yaml:"size,omitempty"`
	Feature int     `yaml:"feature,omitempty"`
	Split   float64 `yaml:"split,omitempty"`
	Left    int     `yaml:"left,omitempty"`
	Right   int     `yaml:"right,omitempty"`
}

// LoadForest reads and validates a model artifact. Any defect makes the
// whole artifact unusable; callers fall back to rules-only scoring.
func LoadForest(path string) (*Forest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}

	var f Forest
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact: %w", err)
	}
	return &f, nil
}

func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("no trees")
	}
	if f.SampleSize < 2 {
		return fmt.Errorf("sample_size must be at least 2: %d", f.SampleSize)
	}
	if len(f.Features) == 0 {
		return fmt.Errorf("no features")
	}
	for ti, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range tree.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(f.Features) {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Left >= len(tree.Nodes) || n.Right <= ni || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
		}
	}
	return nil
}

// Score returns the isolation-forest anomaly score in [0, 1]. Higher
// means more isolated, i.e. more anomalous.
func (f *Forest) Score(features []float64) (float64, error) {
	if len(features) != len(f.Features) {
		return 0, fmt.Errorf("expected %d features, got %d", len(f.Features), len(features))
	}

	var total float64
	for _, tree := range f.Trees {
		total += tree.pathLength(features)
	}
	avgPath := total / float64(len(f.Trees))

	score := math.Pow(2, -avgPath/averagePathLength(f.SampleSize))
	return math.Min(1, math.Max(0, score)), nil
}

func (t *Tree) pathLength(features []float64) float64 {
	depth := 0.0
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Leaf {
			return depth + averagePathLength(n.Size)
		}
		depth++
		if features[n.Feature] < n.Split {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n samples. Standard isolation forest normalisation.
func averagePathLength(n int) float64 {
	if n < 2 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
