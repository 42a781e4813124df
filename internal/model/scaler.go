// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// StandardScaler applies a per-feature affine transform: mean subtraction
// and standard deviation division, computed during training and frozen
// into this artifact.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// LoadStandardScaler reads and validates the scaler artifact at path.
func LoadStandardScaler(path string) (*StandardScaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scaler: %w", err)
	}
	var s StandardScaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scaler: %w", err)
	}
	if len(s.Mean) == 0 || len(s.Scale) == 0 {
		return nil, fmt.Errorf("scaler artifact missing mean/scale vectors")
	}
	if len(s.Mean) != len(s.Scale) {
		return nil, fmt.Errorf("scaler mean/scale length mismatch: %d vs %d", len(s.Mean), len(s.Scale))
	}
	return &s, nil
}

// Transform applies (x - mean) / scale element-wise. x's length must match
// the scaler's dimensionality; a scale of 0 is treated as 1 to avoid
// division by zero on a constant-valued training feature.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("feature vector has %d dimensions, scaler expects %d", len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}
