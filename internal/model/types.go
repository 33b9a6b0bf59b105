package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Frame is one step of a policy rollout.
type Frame struct {
	Observation []float64 `json:"observation"`
	Action      []float64 `json:"action,omitempty"`
	Reward      float64   `json:"reward"`
}

// Segment is a fixed-length window of frames produced by one rollout.
// Segments are shared by reference and must not be mutated after creation.
type Segment struct {
	Frames []Frame `json:"frames"`
}

func (s Segment) Len() int {
	return len(s.Frames)
}

// TrueReturn sums the environment reward over the segment.
func (s Segment) TrueReturn() float64 {
	total := 0.0
	for _, frame := range s.Frames {
		total += frame.Reward
	}
	return total
}

type Label string

const (
	LabelPrefersA Label = "prefers_a"
	LabelPrefersB Label = "prefers_b"
	LabelEqual    Label = "equal"
	// LabelDrop marks a pair the judge could not compare. It never enters a buffer.
	LabelDrop Label = "drop"
)

func (l Label) Valid() bool {
	switch l {
	case LabelPrefersA, LabelPrefersB, LabelEqual, LabelDrop:
		return true
	default:
		return false
	}
}

// Mu returns the preference distribution over (A, B).
func (l Label) Mu() [2]float64 {
	switch l {
	case LabelPrefersA:
		return [2]float64{1, 0}
	case LabelPrefersB:
		return [2]float64{0, 1}
	case LabelEqual:
		return [2]float64{0.5, 0.5}
	default:
		return [2]float64{0, 0}
	}
}

// Triple is a judged comparison between two segments.
type Triple struct {
	A     Segment `json:"a"`
	B     Segment `json:"b"`
	Label Label   `json:"label"`
}

type BufferSnapshot struct {
	VersionedRecord
	Name        string   `json:"name"`
	ValFraction float64  `json:"val_fraction"`
	MaxPrefs    int      `json:"max_prefs"`
	Train       []Triple `json:"train"`
	Validation  []Triple `json:"validation"`
}

// TrainerState is the durable progress marker of the training coordinator.
type TrainerState struct {
	VersionedRecord
	RunID            string `json:"run_id"`
	Epoch            int    `json:"epoch"`
	CheckpointPath   string `json:"checkpoint_path,omitempty"`
	PretrainDone     bool   `json:"pretrain_done"`
	PolicySignalSent bool   `json:"policy_signal_sent"`
}

type RunRecord struct {
	VersionedRecord
	RunID        string `json:"run_id"`
	Topology     string `json:"topology"`
	CreatedAtUTC string `json:"created_at_utc"`
	Seed         int64  `json:"seed"`
}
