// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Predictor is the inference contract every loaded model satisfies: a
// scaled feature vector in, a fixed-length class probability vector out.
// Dynamic typing / runtime coercion from the training library's native
// output is never part of this contract — the vector shape is fixed at
// load time and checked against the class alphabet.
type Predictor interface {
	PredictProba(x []float64) ([]float64, error)
	NumClasses() int
}

// treeNode is one node of a decision tree: either a leaf carrying a class
// probability vector, or a split on FeatureIndex/Threshold.
type treeNode struct {
	Leaf         bool      `json:"leaf"`
	Probs        []float64 `json:"probs,omitempty"`
	FeatureIndex int       `json:"feature_index,omitempty"`
	Threshold    float64   `json:"threshold,omitempty"`
	Left         int       `json:"left,omitempty"`
	Right        int       `json:"right,omitempty"`
}

// treeArtifact is the frozen JSON bundle for the calibrated tree classifier.
// A forest is represented as a list of trees whose leaf probabilities are
// averaged — the single-tree case is just a forest of size 1.
type treeArtifact struct {
	NumClasses int        `json:"num_classes"`
	Trees      [][]treeNode `json:"trees"`
}

// TreeModel is the calibrated multi-class tree classifier.
type TreeModel struct {
	artifact treeArtifact
}

// LoadTreeModel reads the tree artifact at path and validates that it
// declares num_classes and at least one tree. The composition root checks
// num_classes against the loaded class mapping.
func LoadTreeModel(path string) (*TreeModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tree model: %w", err)
	}
	var a treeArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse tree model: %w", err)
	}
	if a.NumClasses == 0 {
		return nil, fmt.Errorf("tree model artifact missing num_classes")
	}
	if len(a.Trees) == 0 {
		return nil, fmt.Errorf("tree model artifact has no trees")
	}
	return &TreeModel{artifact: a}, nil
}

func (m *TreeModel) NumClasses() int { return m.artifact.NumClasses }

// PredictProba averages each tree's leaf probability vector for x.
func (m *TreeModel) PredictProba(x []float64) ([]float64, error) {
	out := make([]float64, m.artifact.NumClasses)
	for _, tree := range m.artifact.Trees {
		probs, err := evalTree(tree, x)
		if err != nil {
			return nil, err
		}
		if len(probs) != len(out) {
			return nil, fmt.Errorf("tree leaf probability length %d does not match num_classes %d", len(probs), len(out))
		}
		for i, p := range probs {
			out[i] += p
		}
	}
	n := float64(len(m.artifact.Trees))
	for i := range out {
		out[i] /= n
	}
	return out, nil
}

func evalTree(nodes []treeNode, x []float64) ([]float64, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("empty tree")
	}
	idx := 0
	for {
		if idx < 0 || idx >= len(nodes) {
			return nil, fmt.Errorf("tree node index %d out of range", idx)
		}
		n := nodes[idx]
		if n.Leaf {
			return n.Probs, nil
		}
		if n.FeatureIndex < 0 || n.FeatureIndex >= len(x) {
			return nil, fmt.Errorf("tree feature index %d out of range for %d-dim vector", n.FeatureIndex, len(x))
		}
		if x[n.FeatureIndex] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

// neuralLayer is one dense layer: Weights is [out][in], Biases is [out].
type neuralLayer struct {
	Weights    [][]float64 `json:"weights"`
	Biases     []float64   `json:"biases"`
	Activation string      `json:"activation"` // "relu" or "softmax"
}

type neuralArtifact struct {
	NumClasses int           `json:"num_classes"`
	Layers     []neuralLayer `json:"layers"`
}

// NeuralModel is the feed-forward network of comparable output shape to
// TreeModel.
type NeuralModel struct {
	artifact neuralArtifact
}

// LoadNeuralModel reads the neural artifact at path and validates its
// output dimensionality.
func LoadNeuralModel(path string) (*NeuralModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read neural model: %w", err)
	}
	var a neuralArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse neural model: %w", err)
	}
	if a.NumClasses == 0 {
		return nil, fmt.Errorf("neural model artifact missing num_classes")
	}
	if len(a.Layers) == 0 {
		return nil, fmt.Errorf("neural model artifact has no layers")
	}
	last := a.Layers[len(a.Layers)-1]
	if len(last.Biases) != a.NumClasses {
		return nil, fmt.Errorf("neural model output dimension %d does not match num_classes %d", len(last.Biases), a.NumClasses)
	}
	return &NeuralModel{artifact: a}, nil
}

func (m *NeuralModel) NumClasses() int { return m.artifact.NumClasses }

// PredictProba forward-propagates x through every layer.
func (m *NeuralModel) PredictProba(x []float64) ([]float64, error) {
	cur := x
	for _, layer := range m.artifact.Layers {
		if len(layer.Weights) != len(layer.Biases) {
			return nil, fmt.Errorf("neural layer weights/biases size mismatch: %d vs %d", len(layer.Weights), len(layer.Biases))
		}
		out := make([]float64, len(layer.Weights))
		for o, row := range layer.Weights {
			if len(row) != len(cur) {
				return nil, fmt.Errorf("neural layer input dimension %d does not match %d", len(row), len(cur))
			}
			sum := layer.Biases[o]
			for i, w := range row {
				sum += w * cur[i]
			}
			out[o] = sum
		}
		switch layer.Activation {
		case "relu":
			for i, v := range out {
				if v < 0 {
					out[i] = 0
				}
			}
		case "softmax", "":
			out = softmax(out)
		}
		cur = out
	}
	return cur, nil
}

func softmax(xs []float64) []float64 {
	max := xs[0]
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	out := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		e := math.Exp(x - max)
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
