// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// Package model loads the learned placement models. Each core class has
// one linear model predicting retired instructions per millisecond from
// the window's behavior features; the scheduler scores both and places
// the process on the class with the higher prediction.
package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// NumFeatures is the dimensionality of the feature vector.
const NumFeatures = 5

// FeatureNames is the exact feature set a model file must declare, in
// scoring order: the feature vector passed to Predict follows this order.
var FeatureNames = [NumFeatures]string{
	"cycles_per_ms",
	"IPC",
	"Cache_Miss_Ratio",
	"MemStall_per_Mem",
	"MemStall_per_Inst",
}

// Linear is an immutable linear model for one core class.
type Linear struct {
	intercept float64
	weights   [NumFeatures]float64
}

// modelFile is the on-disk JSON shape.
type modelFile struct {
	Features  []string           `json:"features"`
	Intercept float64            `json:"intercept"`
	Weights   map[string]float64 `json:"weights"`
}

// Load reads and validates a model JSON file. The feature list must
// match FeatureNames exactly (order-insensitive) and every named weight
// must be present. Any violation is an error: a daemon must refuse to
// run on a malformed model rather than score garbage.
func Load(path string) (*Linear, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model %s: %w", path, err)
	}
	return Parse(raw, path)
}

// Parse validates raw model JSON. The name is used in error messages only.
func Parse(raw []byte, name string) (*Linear, error) {
	var mf modelFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parsing model %s: %w", name, err)
	}

	if err := validateFeatures(mf.Features); err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}

	m := &Linear{intercept: mf.Intercept}
	for i, feature := range FeatureNames {
		w, ok := mf.Weights[feature]
		if !ok {
			return nil, fmt.Errorf("model %s: missing weight %q", name, feature)
		}
		m.weights[i] = w
	}
	return m, nil
}

func validateFeatures(features []string) error {
	if len(features) != NumFeatures {
		return fmt.Errorf("expected %d features, got %d", NumFeatures, len(features))
	}
	seen := make(map[string]bool, len(features))
	for _, f := range features {
		if seen[f] {
			return fmt.Errorf("duplicate feature %q", f)
		}
		seen[f] = true
	}
	for _, want := range FeatureNames {
		if !seen[want] {
			return fmt.Errorf("feature %q missing from features list", want)
		}
	}
	return nil
}

// Predict scores a feature vector (ordered as FeatureNames) and clamps
// negative predictions to zero: a throughput below zero is meaningless.
func (m *Linear) Predict(x [NumFeatures]float64) float64 {
	y := m.intercept
	for i, w := range m.weights {
		y += w * x[i]
	}
	if y < 0 {
		return 0
	}
	return y
}
