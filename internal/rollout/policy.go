package rollout

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
)

// LinearPolicy maps an observation to a force through a weighted sum.
type LinearPolicy struct {
	Weights []float64
	Bias    float64
}

func (p LinearPolicy) Clone() LinearPolicy {
	return LinearPolicy{Weights: append([]float64(nil), p.Weights...), Bias: p.Bias}
}

func (p LinearPolicy) Act(obs []float64) float64 {
	out := p.Bias
	for i, w := range p.Weights {
		if i < len(obs) {
			out += w * obs[i]
		}
	}
	return out
}

type ScoreFn func(ctx context.Context, policy LinearPolicy) (float64, error)

// HillClimber perturbs one weight at a time with an annealed step and keeps a
// candidate only when it beats the incumbent by MinImprovement.
type HillClimber struct {
	Rand            *rand.Rand
	Steps           int
	StepSize        float64
	AnnealingFactor float64
	MinImprovement  float64
	mu              sync.Mutex
}

type TuneReport struct {
	AttemptsExecuted   int     `json:"attempts_executed"`
	AcceptedCandidates int     `json:"accepted_candidates"`
	RejectedCandidates int     `json:"rejected_candidates"`
	StartScore         float64 `json:"start_score"`
	BestScore          float64 `json:"best_score"`
}

func (h *HillClimber) Tune(ctx context.Context, policy LinearPolicy, attempts int, score ScoreFn) (LinearPolicy, TuneReport, error) {
	if err := ctx.Err(); err != nil {
		return LinearPolicy{}, TuneReport{}, err
	}
	if h == nil || h.Rand == nil {
		return LinearPolicy{}, TuneReport{}, errors.New("random source is required")
	}
	if h.Steps <= 0 {
		return LinearPolicy{}, TuneReport{}, errors.New("steps must be > 0")
	}
	if h.StepSize <= 0 {
		return LinearPolicy{}, TuneReport{}, errors.New("step size must be > 0")
	}
	if score == nil {
		return LinearPolicy{}, TuneReport{}, errors.New("score function is required")
	}
	annealing := h.AnnealingFactor
	if annealing == 0 {
		annealing = 1.0
	}

	best := policy.Clone()
	bestScore, err := score(ctx, best)
	if err != nil {
		return LinearPolicy{}, TuneReport{}, err
	}
	report := TuneReport{StartScore: bestScore, BestScore: bestScore}
	if attempts <= 0 || len(best.Weights) == 0 {
		return best, report, nil
	}

	for a := 0; a < attempts; a++ {
		candidate, err := h.perturb(ctx, best, annealing)
		if err != nil {
			return LinearPolicy{}, report, err
		}
		candidateScore, err := score(ctx, candidate)
		if err != nil {
			return LinearPolicy{}, report, err
		}
		report.AttemptsExecuted++
		if candidateScore > bestScore+h.MinImprovement {
			best = candidate
			bestScore = candidateScore
			report.AcceptedCandidates++
		} else {
			report.RejectedCandidates++
		}
	}
	report.BestScore = bestScore
	return best, report, nil
}

func (h *HillClimber) perturb(ctx context.Context, base LinearPolicy, annealing float64) (LinearPolicy, error) {
	candidate := base.Clone()
	for s := 0; s < h.Steps; s++ {
		if err := ctx.Err(); err != nil {
			return LinearPolicy{}, err
		}
		spread := h.StepSize * math.Pow(annealing, float64(s))
		idx := h.randIntn(len(candidate.Weights) + 1)
		delta := (h.randFloat64()*2 - 1) * spread
		if idx == len(candidate.Weights) {
			candidate.Bias += delta
		} else {
			candidate.Weights[idx] += delta
		}
	}
	return candidate, nil
}

func (h *HillClimber) randIntn(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Rand.Intn(n)
}

func (h *HillClimber) randFloat64() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Rand.Float64()
}
