// Package oracle supplies preference judgments for queried segment pairs.
package oracle

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"drlhp/internal/model"
)

// Oracle judges which of two segments is preferred. Implementations may block
// for human latency and must return promptly once ctx is cancelled.
type Oracle interface {
	Judge(ctx context.Context, a, b model.Segment) (model.Label, error)
}

type Kind string

const (
	KindSynthetic Kind = "synthetic"
	KindHuman     Kind = "human"
)

type Config struct {
	Kind Kind
	// EqualTolerance is the return gap under which the synthetic oracle
	// reports LabelEqual.
	EqualTolerance float64
	Input          io.Reader
	Output         io.Writer
}

func New(cfg Config, logger *slog.Logger) (Oracle, error) {
	switch cfg.Kind {
	case "", KindSynthetic:
		return NewSynthetic(cfg.EqualTolerance), nil
	case KindHuman:
		return NewHuman(cfg.Input, cfg.Output, logger), nil
	default:
		return nil, fmt.Errorf("unsupported oracle: %s", cfg.Kind)
	}
}
