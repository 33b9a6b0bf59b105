package oracle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"drlhp/internal/logging"
	"drlhp/internal/model"
)

var (
	segmentBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(36)
	segmentTitle = lipgloss.NewStyle().Bold(true)
)

// Human asks a person to compare two segments in the terminal.
type Human struct {
	input  io.Reader
	output io.Writer
	logger *slog.Logger
}

func NewHuman(input io.Reader, output io.Writer, logger *slog.Logger) *Human {
	return &Human{input: input, output: output, logger: logging.Component(logger, "oracle")}
}

func (h *Human) Judge(ctx context.Context, a, b model.Segment) (model.Label, error) {
	label := model.LabelDrop
	sel := huh.NewSelect[model.Label]().
		Title("Which segment is better?").
		Description(RenderPair(a, b)).
		Options(
			huh.NewOption("Left", model.LabelPrefersA),
			huh.NewOption("Right", model.LabelPrefersB),
			huh.NewOption("Equal", model.LabelEqual),
			huh.NewOption("Incomparable", model.LabelDrop),
		).
		Value(&label)

	form := huh.NewForm(huh.NewGroup(sel))
	if h.input != nil {
		form = form.WithInput(h.input)
	}
	if h.output != nil {
		form = form.WithOutput(h.output)
	}
	if err := form.RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("collect preference: %w", err)
	}
	h.logger.Debug("human judgment", slog.String("label", string(label)))
	return label, nil
}

// RenderPair lays out two segment summaries side by side.
func RenderPair(a, b model.Segment) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		segmentBox.Render(renderSegment("Left", a)),
		segmentBox.Render(renderSegment("Right", b)),
	)
}

func renderSegment(title string, seg model.Segment) string {
	var sb strings.Builder
	sb.WriteString(segmentTitle.Render(title))
	sb.WriteString(fmt.Sprintf("\nframes: %d\n", seg.Len()))
	if seg.Len() == 0 {
		return sb.String()
	}
	dims := len(seg.Frames[0].Observation)
	for d := 0; d < dims; d++ {
		series := make([]float64, 0, seg.Len())
		for _, frame := range seg.Frames {
			if d < len(frame.Observation) {
				series = append(series, frame.Observation[d])
			}
		}
		sb.WriteString(fmt.Sprintf("obs[%d] %s\n", d, sparkline(series)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		level := 0
		if hi > lo {
			level = int((v - lo) / (hi - lo) * float64(len(sparkBlocks)-1))
		}
		out[i] = sparkBlocks[level]
	}
	return string(out)
}
