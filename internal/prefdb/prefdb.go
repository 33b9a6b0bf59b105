// Package prefdb implements the bounded train/validation preference buffer
// that feeds reward-model training.
package prefdb

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"drlhp/internal/model"
)

// ErrCapacityInvariant reports a split holding more triples than its bound
// after an append. It indicates a logic error and must not be clamped.
var ErrCapacityInvariant = errors.New("preference buffer capacity invariant violated")

// PrefDB is one FIFO split of judged segment pairs.
type PrefDB struct {
	triples []model.Triple
}

func NewPrefDB() *PrefDB {
	return &PrefDB{}
}

func (db *PrefDB) Len() int {
	return len(db.triples)
}

func (db *PrefDB) Append(t model.Triple) {
	db.triples = append(db.triples, t)
}

// DelFirst drops the oldest triple. It is a no-op on an empty split.
func (db *PrefDB) DelFirst() {
	if len(db.triples) == 0 {
		return
	}
	db.triples[0] = model.Triple{}
	db.triples = db.triples[1:]
}

// Triples returns the split contents oldest first. The slice is a copy; the
// segments inside are shared and must be treated as read-only.
func (db *PrefDB) Triples() []model.Triple {
	out := make([]model.Triple, len(db.triples))
	copy(out, db.triples)
	return out
}

type Split string

const (
	SplitNone       Split = ""
	SplitTrain      Split = "train"
	SplitValidation Split = "validation"
)

type AppendResult struct {
	Split   Split
	Evicted bool
}

// Buffer routes judged triples into independently bounded train and
// validation splits. It has a single writer and no internal locking.
type Buffer struct {
	Train *PrefDB
	Val   *PrefDB

	maxPrefs    int
	valFraction float64
	rng         *rand.Rand
}

func NewBuffer(maxPrefs int, valFraction float64, rng *rand.Rand) *Buffer {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Buffer{
		Train:       NewPrefDB(),
		Val:         NewPrefDB(),
		maxPrefs:    maxPrefs,
		valFraction: valFraction,
		rng:         rng,
	}
}

func (b *Buffer) MaxPrefs() int {
	return b.maxPrefs
}

func (b *Buffer) ValFraction() float64 {
	return b.valFraction
}

// Caps returns the largest split sizes allowed by max_prefs and val_fraction.
func (b *Buffer) Caps() (train, val int) {
	return capFor(b.maxPrefs, 1-b.valFraction), capFor(b.maxPrefs, b.valFraction)
}

func capFor(maxPrefs int, fraction float64) int {
	c := math.Floor(float64(maxPrefs) * fraction)
	if c < 0 {
		return 0
	}
	return int(c)
}

func (b *Buffer) Len(split Split) int {
	switch split {
	case SplitTrain:
		return b.Train.Len()
	case SplitValidation:
		return b.Val.Len()
	default:
		return b.Train.Len() + b.Val.Len()
	}
}

// Append routes one judgment. Dropped labels are ignored. Otherwise a coin
// weighted by val_fraction picks the split, and the split's oldest triple is
// evicted if the append pushed it over its bound.
func (b *Buffer) Append(a, s model.Segment, label model.Label) (AppendResult, error) {
	if label == model.LabelDrop {
		return AppendResult{}, nil
	}
	if !label.Valid() {
		return AppendResult{}, fmt.Errorf("invalid preference label %q", label)
	}

	capTrain, capVal := b.Caps()
	target, bound, split := b.Train, capTrain, SplitTrain
	if b.rng.Float64() < b.valFraction {
		target, bound, split = b.Val, capVal, SplitValidation
	}

	target.Append(model.Triple{A: a, B: s, Label: label})
	res := AppendResult{Split: split}
	if target.Len() > bound {
		target.DelFirst()
		res.Evicted = true
	}
	return res, b.checkInvariant()
}

func (b *Buffer) checkInvariant() error {
	capTrain, capVal := b.Caps()
	if b.Train.Len() > capTrain {
		return fmt.Errorf("%w: train %d > %d", ErrCapacityInvariant, b.Train.Len(), capTrain)
	}
	if b.Val.Len() > capVal {
		return fmt.Errorf("%w: validation %d > %d", ErrCapacityInvariant, b.Val.Len(), capVal)
	}
	return nil
}

// View is a read-only copy of both splits taken at one instant.
type View struct {
	Train      []model.Triple
	Validation []model.Triple
}

func (b *Buffer) View() View {
	return View{Train: b.Train.Triples(), Validation: b.Val.Triples()}
}
