// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"context"
	"runtime"
	"time"

	"flowsentry.dev/core/internal/logging"
)

// Pool bounds concurrent ensemble inference to P = min(NumCPU, 4) workers,
// per spec §5's resource model: scoring must never be allowed to spawn an
// unbounded number of goroutines under load.
type Pool struct {
	ensemble *Ensemble
	sem      chan struct{}
	timeout  time.Duration
	log      *logging.Logger
}

// NewPool constructs a worker pool of size min(runtime.NumCPU(), 4). A
// timeout <= 0 defaults to 2s per spec §6's inference_timeout default.
func NewPool(e *Ensemble, timeout time.Duration) *Pool {
	p := runtime.NumCPU()
	if p > 4 {
		p = 4
	}
	if p < 1 {
		p = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Pool{
		ensemble: e,
		sem:      make(chan struct{}, p),
		timeout:  timeout,
		log:      logging.WithComponent("model.pool"),
	}
}

// Predict acquires a worker slot and runs the ensemble rule on raw, with a
// per-call timeout. A timed-out or context-cancelled call yields
// BenignFallback() rather than blocking or propagating upstream — scoring
// failures must never stall the aggregation pipeline.
func (p *Pool) Predict(ctx context.Context, raw []float64) Prediction {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return BenignFallback()
	}
	defer func() { <-p.sem }()

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		pred Prediction
		err  error
	}
	done := make(chan result, 1)
	go func() {
		pred, err := p.ensemble.Predict(raw)
		done <- result{pred, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.log.Warn("ensemble inference failed", "error", r.err)
			return BenignFallback()
		}
		return r.pred
	case <-cctx.Done():
		p.log.Warn("ensemble inference timed out", "timeout", p.timeout)
		return BenignFallback()
	}
}
