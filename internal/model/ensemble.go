// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import "math"

// Prediction is the Model Ensemble's output: a closed-set label, severity,
// confidence, the symbolic combination method, and each model's own
// argmax sub-prediction for observability.
type Prediction struct {
	Label      string
	Severity   Severity
	Confidence float64
	Method     string // "ensemble_consensus" or "ensemble_weighted"

	TreeLabel   string
	TreeConf    float64
	NeuralLabel string
	NeuralConf  float64
}

// Ensemble combines a tree classifier and a neural classifier over a
// shared scaler and class alphabet under the spec's bit-exact rule.
type Ensemble struct {
	Tree   Predictor
	Neural Predictor
	Scaler *StandardScaler
	Labels []string // index -> label, loaded via ClassMapping

	// TreeWeight/NeuralWeight default to 0.6/0.4 per spec §4.4.
	TreeWeight, NeuralWeight float64
	// BenignFallbackThreshold is the ensemble's internal 0.55 threshold,
	// distinct from the Suppressor's layer-2 confidence_threshold (0.95).
	BenignFallbackThreshold float64
}

// benignIndex finds BenignLabel in e.Labels, defaulting to 0 if absent.
func (e *Ensemble) benignIndex() int {
	for i, l := range e.Labels {
		if l == BenignLabel {
			return i
		}
	}
	return 0
}

// Predict runs the full ensemble rule on a raw (unscaled) 37-vector.
func (e *Ensemble) Predict(raw []float64) (Prediction, error) {
	scaled, err := e.Scaler.Transform(raw)
	if err != nil {
		return Prediction{}, err
	}

	pTree, err := e.Tree.PredictProba(scaled)
	if err != nil {
		return Prediction{}, err
	}
	pNN, err := e.Neural.PredictProba(scaled)
	if err != nil {
		return Prediction{}, err
	}

	treeWeight, nnWeight := e.TreeWeight, e.NeuralWeight
	if treeWeight == 0 && nnWeight == 0 {
		treeWeight, nnWeight = 0.6, 0.4
	}

	p := make([]float64, len(e.Labels))
	for i := range p {
		var tv, nv float64
		if i < len(pTree) {
			tv = pTree[i]
		}
		if i < len(pNN) {
			nv = pNN[i]
		}
		p[i] = treeWeight*tv + nnWeight*nv
	}

	iStar := argmax(p)
	conf := p[iStar]

	treeArgmax := argmax(pTree)
	nnArgmax := argmax(pNN)

	threshold := e.BenignFallbackThreshold
	if threshold == 0 {
		threshold = 0.55
	}

	label := e.Labels[iStar]
	if conf < threshold {
		label = BenignLabel
		iStar = e.benignIndex()
	}

	method := "ensemble_weighted"
	if treeArgmax == iStar && nnArgmax == iStar {
		method = "ensemble_consensus"
		conf = math.Min(1.0, conf*1.05)
	}

	return Prediction{
		Label:       label,
		Severity:    SeverityOf(label),
		Confidence:  conf,
		Method:      method,
		TreeLabel:   labelAt(e.Labels, treeArgmax),
		TreeConf:    valueAt(pTree, treeArgmax),
		NeuralLabel: labelAt(e.Labels, nnArgmax),
		NeuralConf:  valueAt(pNN, nnArgmax),
	}, nil
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func labelAt(labels []string, i int) string {
	if i < 0 || i >= len(labels) {
		return ""
	}
	return labels[i]
}

func valueAt(xs []float64, i int) float64 {
	if i < 0 || i >= len(xs) {
		return 0
	}
	return xs[i]
}

// BenignFallback is the synthetic zero-confidence prediction used when
// inference fails or times out, per spec §4.4/§7: never block downstream.
func BenignFallback() Prediction {
	return Prediction{
		Label:      BenignLabel,
		Severity:   SeverityLow,
		Confidence: 0,
		Method:     "inference_failure_fallback",
	}
}
