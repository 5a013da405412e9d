package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

var (
	// ErrUntrained is returned when prediction is attempted before any
	// successful training run.
	ErrUntrained = errors.New("scoring: model is untrained")

	// ErrInsufficientData is returned when the training set is too small
	// or contains only one class.
	ErrInsufficientData = errors.New("scoring: insufficient training data")

	// ErrStateVersion is returned when persisted model state was written
	// by an incompatible version.
	ErrStateVersion = errors.New("scoring: unsupported model state version")
)

// minTrainRows is the smallest training set the learned scorer accepts.
const minTrainRows = 10

// Training hyperparameters. Fixed so that training on the same rows with
// the same seed always produces the same parameters.
const (
	trainEpochs       = 200
	trainLearningRate = 0.1
)

// labelEncoder maps categorical values to dense integer codes. Values
// unseen at training time map to code 0, the first class observed.
type labelEncoder struct {
	Classes []string `json:"classes"`

	index map[string]int
}

func newLabelEncoder(values []string) *labelEncoder {
	seen := make(map[string]bool)
	var classes []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			classes = append(classes, v)
		}
	}
	sort.Strings(classes)
	e := &labelEncoder{Classes: classes}
	e.buildIndex()
	return e
}

func (e *labelEncoder) buildIndex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}

// Transform encodes a value. Unknown values fold into code 0 rather
// than failing, so prediction never rejects a transaction for carrying
// a category training never saw.
func (e *labelEncoder) Transform(value string) float64 {
	if i, ok := e.index[value]; ok {
		return float64(i)
	}
	return 0
}

// standardScaler normalizes each feature to zero mean and unit variance
// using statistics captured at training time.
type standardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func fitScaler(rows [][]float64) *standardScaler {
	n := len(rows)
	dim := len(rows[0])
	mean := make([]float64, dim)
	std := make([]float64, dim)

	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / float64(n))
		if std[j] == 0 {
			std[j] = 1
		}
	}
	return &standardScaler{Mean: mean, Std: std}
}

func (s *standardScaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// modelState is the single persisted document. It is marshaled and
// stored as one atomic unit; a model loaded from it must reproduce the
// exact predictions of the model that wrote it.
type modelState struct {
	Version      string                   `json:"version"`
	Seed         int64                    `json:"seed"`
	TrainedAt    time.Time                `json:"trainedAt"`
	FeatureNames []string                 `json:"featureNames"`
	Encoders     map[string]*labelEncoder `json:"encoders"`
	Scaler       *standardScaler          `json:"scaler"`
	Weights      []float64                `json:"weights"`
	Bias         float64                  `json:"bias"`
	TrainRows    int                      `json:"trainRows"`
	PositiveRows int                      `json:"positiveRows"`
}

// TrainRow is one labeled example for the learned scorer.
type TrainRow struct {
	Features features.Set
	Label    bool
}

// Model is the learned scorer, a logistic regression over the canonical
// feature vector. Training is seeded and deterministic.
type Model struct {
	state *modelState
}

// NewModel returns an untrained model.
func NewModel() *Model {
	return &Model{}
}

// Trained reports whether the model holds usable parameters.
func (m *Model) Trained() bool {
	return m.state != nil
}

// Info describes the current model for the info endpoint.
type ModelInfo struct {
	Trained      bool      `json:"trained"`
	ModelVersion string    `json:"modelVersion"`
	TrainedAt    time.Time `json:"trainedAt,omitempty"`
	TrainRows    int       `json:"trainRows,omitempty"`
	PositiveRows int       `json:"positiveRows,omitempty"`
	Features     []string  `json:"features"`
}

// Info returns metadata about the model. An untrained model reports the
// rule scorer version since that is what serves traffic.
func (m *Model) Info() ModelInfo {
	if m.state == nil {
		return ModelInfo{
			Trained:      false,
			ModelVersion: domain.ModelVersionRules,
			Features:     features.Names,
		}
	}
	return ModelInfo{
		Trained:      true,
		ModelVersion: m.state.Version,
		TrainedAt:    m.state.TrainedAt,
		TrainRows:    m.state.TrainRows,
		PositiveRows: m.state.PositiveRows,
		Features:     m.state.FeatureNames,
	}
}

// Train fits the model on labeled rows. It requires at least
// minTrainRows examples spanning both classes. On success the model
// transitions to trained; on failure the previous parameters (if any)
// are kept intact.
func (m *Model) Train(rows []TrainRow, seed int64, now time.Time) error {
	if len(rows) < minTrainRows {
		return fmt.Errorf("%w: %d rows, need %d", ErrInsufficientData, len(rows), minTrainRows)
	}
	positives := 0
	for _, r := range rows {
		if r.Label {
			positives++
		}
	}
	if positives == 0 || positives == len(rows) {
		return fmt.Errorf("%w: training set has a single class", ErrInsufficientData)
	}

	encoders := fitEncoders(rows)

	raw := make([][]float64, len(rows))
	labels := make([]float64, len(rows))
	for i, r := range rows {
		raw[i] = rawVector(r.Features, encoders)
		if r.Label {
			labels[i] = 1
		}
	}
	scaler := fitScaler(raw)
	vectors := make([][]float64, len(raw))
	for i, row := range raw {
		vectors[i] = scaler.Transform(row)
	}

	dim := len(vectors[0])
	weights := make([]float64, dim)
	bias := 0.0

	// Seeded shuffling makes epoch order, and therefore the fitted
	// parameters, reproducible for a given seed and training set.
	rng := rand.New(rand.NewSource(seed))
	order := make([]int, len(vectors))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < trainEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		for _, idx := range order {
			x := vectors[idx]
			p := sigmoid(dot(weights, x) + bias)
			grad := p - labels[idx]
			for j := range weights {
				weights[j] -= trainLearningRate * grad * x[j]
			}
			bias -= trainLearningRate * grad
		}
	}

	m.state = &modelState{
		Version:      domain.ModelVersionLogistic,
		Seed:         seed,
		TrainedAt:    now.UTC(),
		FeatureNames: features.Names,
		Encoders:     encoders,
		Scaler:       scaler,
		Weights:      weights,
		Bias:         bias,
		TrainRows:    len(rows),
		PositiveRows: positives,
	}
	return nil
}

// Predict scores a feature set with the trained parameters.
func (m *Model) Predict(f features.Set) (domain.ScoreResult, error) {
	if m.state == nil {
		return domain.ScoreResult{}, ErrUntrained
	}

	raw := rawVector(f, m.state.Encoders)
	x := m.state.Scaler.Transform(raw)
	p := sigmoid(dot(m.state.Weights, x) + m.state.Bias)

	score := domain.ClampScore(int(p * 100))
	shap := contributions(m.state.FeatureNames, m.state.Weights, x)
	top := topFactors(shap, 3)

	var reasons []string
	if score >= domain.HighRiskThreshold {
		reasons = append(reasons, fmt.Sprintf("Model flagged high risk (top factors: %s)", strings.Join(top, ", ")))
	}

	return domain.ScoreResult{
		RiskScore:    score,
		RiskLevel:    domain.LevelForScore(score),
		IsFraud:      score >= domain.HighRiskThreshold,
		Confidence:   math.Max(p, 1-p),
		Reasons:      reasons,
		Explanation:  Explanation(reasons),
		ModelVersion: m.state.Version,
		ShapTop:      shap,
	}, nil
}

// MarshalState serializes the trained parameters as one document.
func (m *Model) MarshalState() ([]byte, error) {
	if m.state == nil {
		return nil, ErrUntrained
	}
	return json.Marshal(m.state)
}

// LoadModel restores a model from persisted state. A loaded model must
// reproduce the predictions of the model that produced the state.
func LoadModel(state []byte) (*Model, error) {
	var s modelState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decoding model state: %w", err)
	}
	if s.Version != domain.ModelVersionLogistic {
		return nil, fmt.Errorf("%w: %q", ErrStateVersion, s.Version)
	}
	if s.Scaler == nil || len(s.Weights) == 0 {
		return nil, errors.New("scoring: model state missing parameters")
	}
	for _, e := range s.Encoders {
		e.buildIndex()
	}
	return &Model{state: &s}, nil
}

func fitEncoders(rows []TrainRow) map[string]*labelEncoder {
	values := make(map[string][]string)
	for _, r := range rows {
		for name, v := range r.Features.Categorical() {
			values[name] = append(values[name], v)
		}
	}
	encoders := make(map[string]*labelEncoder, len(values))
	for name, vs := range values {
		encoders[name] = newLabelEncoder(vs)
	}
	return encoders
}

// rawVector lays out the feature vector in the canonical feature order.
func rawVector(f features.Set, encoders map[string]*labelEncoder) []float64 {
	cat := f.Categorical()
	row := make([]float64, 0, len(features.Names))
	for _, name := range features.Names {
		switch name {
		case "amount":
			row = append(row, f.Amount)
		case "hour":
			row = append(row, float64(f.Hour))
		case "day_of_week":
			row = append(row, float64(f.DayOfWeek))
		default:
			row = append(row, encoders[name].Transform(cat[name]))
		}
	}
	return row
}

// contributions approximates per-feature attribution as the signed
// product of weight and scaled value.
func contributions(names []string, weights, x []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, name := range names {
		out[name] = weights[i] * x[i]
	}
	return out
}

func topFactors(shap map[string]float64, n int) []string {
	names := make([]string, 0, len(shap))
	for name := range shap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := math.Abs(shap[names[i]]), math.Abs(shap[names[j]])
		if a == b {
			return names[i] < names[j]
		}
		return a > b
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
