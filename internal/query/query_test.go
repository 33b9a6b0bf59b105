package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"drlhp/internal/model"
	"drlhp/internal/predictor"
)

// markedSegment carries its identity in the first frame's reward.
func markedSegment(id int) model.Segment {
	return model.Segment{Frames: []model.Frame{{Observation: []float64{float64(id)}, Reward: float64(id)}}}
}

func markOf(seg model.Segment) int {
	return int(seg.Frames[0].Reward)
}

// spreadPredictor gives two members probabilities 0.5±d for the pair keyed by
// segment marks, so the pair's variance is d².
type spreadPredictor struct {
	spread map[[2]int]float64
	calls  int
}

func (p *spreadPredictor) Members() int { return 2 }

func (p *spreadPredictor) Predict(_ context.Context, pairs []predictor.Pair) ([][][2]float64, error) {
	p.calls++
	out := [][][2]float64{make([][2]float64, len(pairs)), make([][2]float64, len(pairs))}
	for n, pair := range pairs {
		d := p.spread[[2]int{markOf(pair.A), markOf(pair.B)}]
		out[0][n] = [2]float64{0.5 + d, 0.5 - d}
		out[1][n] = [2]float64{0.5 - d, 0.5 + d}
	}
	return out, nil
}

func (p *spreadPredictor) Train(context.Context, []model.Triple, []model.Triple, int) error {
	return nil
}
func (p *spreadPredictor) Save(context.Context) (string, error) { return "", nil }
func (p *spreadPredictor) Load(context.Context, string) error   { return nil }

type badShapePredictor struct{ spreadPredictor }

func (p *badShapePredictor) Predict(_ context.Context, pairs []predictor.Pair) ([][][2]float64, error) {
	return [][][2]float64{make([][2]float64, len(pairs))}, nil
}

type recordingOracle struct {
	mu    sync.Mutex
	pairs [][2]int
	label model.Label
	err   error
}

func (o *recordingOracle) Judge(_ context.Context, a, b model.Segment) (model.Label, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pairs = append(o.pairs, [2]int{markOf(a), markOf(b)})
	if o.err != nil {
		return "", o.err
	}
	return o.label, nil
}

func newTestEngine(t *testing.T, pred predictor.Ensemble, orc *recordingOracle, segs ...int) (*Engine, chan model.Triple) {
	t.Helper()
	segments := make(chan model.Segment, 100)
	prefs := make(chan model.Triple, 100)
	for _, id := range segs {
		segments <- markedSegment(id)
	}
	e := NewEngine(Config{SegsMax: 100, DrainTimeout: 5 * time.Millisecond, SegmentWait: 5 * time.Millisecond, Seed: 1},
		Deps{Predictor: pred, Oracle: orc, Segments: segments, Prefs: prefs})
	return e, prefs
}

func TestMostUncertainPicksHighVariancePair(t *testing.T) {
	flat := [2]float64{0.5, 0.5}
	preds := [][][2]float64{
		{flat, flat, {0.9, 0.1}, flat},
		{flat, flat, {0.1, 0.9}, flat},
	}
	best, score, err := MostUncertain(preds, 2, 4)
	require.NoError(t, err)
	require.Equal(t, 2, best)
	require.InDelta(t, 0.16, score, 1e-12)
}

func TestMostUncertainTieBreaksOnFirstOccurrence(t *testing.T) {
	preds := [][][2]float64{
		{{0.5, 0.5}, {0.7, 0.3}, {0.3, 0.7}},
		{{0.5, 0.5}, {0.3, 0.7}, {0.7, 0.3}},
	}
	best, _, err := MostUncertain(preds, 2, 3)
	require.NoError(t, err)
	require.Equal(t, 1, best)
}

func TestDisagreementIsSymmetricInComplement(t *testing.T) {
	preds := [][][2]float64{{{0.2, 0.8}}, {{0.6, 0.4}}, {{0.9, 0.1}}}
	complement := [][][2]float64{{{0.8, 0.2}}, {{0.4, 0.6}}, {{0.1, 0.9}}}
	a, err := Disagreement(preds, 3, 1)
	require.NoError(t, err)
	b, err := Disagreement(complement, 3, 1)
	require.NoError(t, err)
	require.InDelta(t, a[0], b[0], 1e-12)
}

func TestDisagreementShapeMismatch(t *testing.T) {
	_, err := Disagreement([][][2]float64{{{0.5, 0.5}}}, 2, 1)
	require.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = Disagreement([][][2]float64{{{0.5, 0.5}}, {}}, 2, 1)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestCandidatesExcludeTestedPairs(t *testing.T) {
	tested := NewTestedPairs()
	tested.Add(Pair{I: 2, J: 0})

	got := Candidates([]int{0, 1, 2}, tested)
	require.Equal(t, []Pair{{0, 1}, {1, 2}}, got)

	require.Len(t, Candidates(rangeOf(10), nil), 45)
	require.Empty(t, Candidates([]int{4}, nil))
}

func TestEngineSelectsMostUncertainPair(t *testing.T) {
	pred := &spreadPredictor{spread: map[[2]int]float64{
		{0, 1}: 0.1,
		{0, 2}: 0.4472135955,
		{1, 2}: 0.2236067977,
	}}
	orc := &recordingOracle{label: model.LabelPrefersB}
	e, prefs := newTestEngine(t, pred, orc, 0, 1, 2)

	ctx := context.Background()
	require.NoError(t, e.WaitForSegments(ctx))
	sel, err := e.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, Pair{I: 0, J: 2}, sel.Pair)
	require.InDelta(t, 0.20, sel.Disagreement, 1e-9)
	require.Equal(t, 3, sel.Candidates)
	require.Equal(t, [][2]int{{0, 2}}, orc.pairs)

	triple := <-prefs
	require.Equal(t, 0, markOf(triple.A))
	require.Equal(t, 2, markOf(triple.B))
	require.Equal(t, model.LabelPrefersB, triple.Label)
}

func TestEngineSinglePairStandsOutAmongFlatCandidates(t *testing.T) {
	pred := &spreadPredictor{spread: map[[2]int]float64{{3, 7}: 0.4}}
	orc := &recordingOracle{label: model.LabelEqual}
	e, _ := newTestEngine(t, pred, orc, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	sel, err := e.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, Pair{I: 3, J: 7}, sel.Pair)
}

func TestEngineNeverRequeriesTestedPair(t *testing.T) {
	pred := &spreadPredictor{spread: map[[2]int]float64{{0, 1}: 0.4, {0, 2}: 0.2, {1, 2}: 0.1}}
	orc := &recordingOracle{label: model.LabelPrefersA}
	e, _ := newTestEngine(t, pred, orc, 0, 1, 2)

	ctx := context.Background()
	var order []Pair
	for i := 0; i < 3; i++ {
		sel, err := e.Step(ctx)
		require.NoError(t, err)
		order = append(order, sel.Pair)
	}
	require.Equal(t, []Pair{{0, 1}, {0, 2}, {1, 2}}, order)
	require.Equal(t, 3, e.Tested().Len())

	// Every pair is exhausted; the engine keeps resampling until new segments
	// arrive or the context ends.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := e.Step(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, orc.pairs, 3)
}

func TestEngineRecordsPairWhenOracleFails(t *testing.T) {
	pred := &spreadPredictor{spread: map[[2]int]float64{{0, 1}: 0.3}}
	orc := &recordingOracle{err: errors.New("window closed")}
	e, prefs := newTestEngine(t, pred, orc, 0, 1)

	sel, err := e.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Label(""), sel.Label)
	require.True(t, e.Tested().Has(Pair{I: 0, J: 1}))
	require.Empty(t, prefs)
}

func TestEnginePanicsOnShapeMismatch(t *testing.T) {
	orc := &recordingOracle{label: model.LabelPrefersA}
	e, _ := newTestEngine(t, &badShapePredictor{}, orc, 0, 1, 2)
	require.Panics(t, func() {
		_, _ = e.Step(context.Background())
	})
	require.Empty(t, orc.pairs)
}

func TestEngineWaitsForTwoSegments(t *testing.T) {
	segments := make(chan model.Segment, 4)
	e := NewEngine(Config{DrainTimeout: time.Millisecond, SegmentWait: 5 * time.Millisecond},
		Deps{Predictor: &spreadPredictor{}, Oracle: &recordingOracle{}, Segments: segments, Prefs: make(chan model.Triple, 1)})

	segments <- markedSegment(0)
	done := make(chan error, 1)
	go func() { done <- e.WaitForSegments(context.Background()) }()

	select {
	case <-done:
		t.Fatal("returned with a single segment")
	case <-time.After(30 * time.Millisecond):
	}
	segments <- markedSegment(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("did not notice the second segment")
	}
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	pred := &spreadPredictor{spread: map[[2]int]float64{}}
	orc := &recordingOracle{label: model.LabelDrop}
	e, _ := newTestEngine(t, pred, orc, 0, 1, 2, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := e.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, orc.pairs, 6)
}

func TestEngineRecvSegmentsEvictsOldest(t *testing.T) {
	segments := make(chan model.Segment, 10)
	for i := 0; i < 5; i++ {
		segments <- markedSegment(i)
	}
	close(segments)
	e := NewEngine(Config{SegsMax: 3, DrainTimeout: time.Millisecond},
		Deps{Predictor: &spreadPredictor{}, Oracle: &recordingOracle{}, Segments: segments})

	require.Equal(t, 5, e.RecvSegments(context.Background()))
	require.Equal(t, 3, e.Pool().Len())
	require.Equal(t, 2, markOf(e.Pool().At(0)))
	require.Zero(t, e.RecvSegments(context.Background()))
}

func rangeOf(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestEngineRecvSegmentsReturnsWhileProducerKeepsSending(t *testing.T) {
	segments := make(chan model.Segment, 100)
	e := NewEngine(Config{SegsMax: 1000, DrainTimeout: 100 * time.Millisecond},
		Deps{Predictor: &spreadPredictor{}, Oracle: &recordingOracle{}, Segments: segments})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case segments <- markedSegment(i):
			case <-ctx.Done():
				return
			}
		}
	}()

	start := time.Now()
	require.NoError(t, e.WaitForSegments(ctx))
	require.Less(t, time.Since(start), 2*time.Second)
	require.GreaterOrEqual(t, e.Pool().Len(), 2)

	start = time.Now()
	e.RecvSegments(ctx)
	require.NoError(t, ctx.Err())
	require.Less(t, time.Since(start), time.Second)
	cancel()
	<-producerDone
}
