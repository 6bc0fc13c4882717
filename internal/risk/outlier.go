package risk

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Outlier detector defaults.
const (
	DefaultContamination = 0.05
	DefaultNumTrees      = 100
	DefaultMaxSamples    = 256
	DefaultFitSeed       = 42
	MinFitSamples        = 16
	MaxTrainingWindow    = 200
)

const eulerGamma = 0.5772156649015329

// OutlierModel is an isolation forest fitted over a trailing window of
// one-dimensional amounts. A fitted model is never mutated.
type OutlierModel struct {
	trees      []*isoNode
	sampleSize int
	threshold  float64

	Version  uint64    `json:"version"`
	Samples  int       `json:"samples"`
	FittedAt time.Time `json:"fittedAt"`
}

type isoNode struct {
	split       float64
	left, right *isoNode
	size        int // leaf only
}

func (n *isoNode) leaf() bool { return n.left == nil }

// FitOutlierModel grows an isolation forest over amounts. The anomaly
// threshold is the (1-contamination) quantile of the training scores.
func FitOutlierModel(amounts []float64, contamination float64, numTrees int, seed uint64) (*OutlierModel, error) {
	if len(amounts) < MinFitSamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(amounts), MinFitSamples)
	}
	for _, a := range amounts {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return nil, fmt.Errorf("%w: %w", ErrFit, ErrNonFinite)
		}
	}
	if contamination <= 0 || contamination >= 0.5 {
		return nil, fmt.Errorf("%w: contamination %.3f out of range", ErrFit, contamination)
	}
	if numTrees <= 0 {
		numTrees = DefaultNumTrees
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	psi := min(DefaultMaxSamples, len(amounts))
	heightLimit := int(math.Ceil(math.Log2(float64(psi))))

	m := &OutlierModel{
		trees:      make([]*isoNode, numTrees),
		sampleSize: psi,
		Samples:    len(amounts),
		FittedAt:   time.Now().UTC(),
	}
	for i := range m.trees {
		sample := subsample(rng, amounts, psi)
		m.trees[i] = growTree(rng, sample, 0, heightLimit)
	}

	scores := make([]float64, len(amounts))
	for i, a := range amounts {
		scores[i] = m.score(a)
	}
	sort.Float64s(scores)
	idx := int(math.Ceil((1-contamination)*float64(len(scores)))) - 1
	idx = max(0, min(idx, len(scores)-1))
	m.threshold = scores[idx]
	return m, nil
}

// Score returns the isolation anomaly score in (0,1]. Higher is more anomalous.
func (m *OutlierModel) Score(x float64) (float64, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, ErrNonFinite
	}
	return m.score(x), nil
}

// Predict reports whether x lies outside the fitted distribution.
func (m *OutlierModel) Predict(x float64) (bool, error) {
	s, err := m.Score(x)
	if err != nil {
		return false, err
	}
	return s > m.threshold, nil
}

// Threshold is the score above which amounts are anomalous.
func (m *OutlierModel) Threshold() float64 { return m.threshold }

func (m *OutlierModel) score(x float64) float64 {
	var total float64
	for _, t := range m.trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(m.trees))
	return math.Pow(2, -mean/averagePathLength(m.sampleSize))
}

func subsample(rng *rand.Rand, data []float64, n int) []float64 {
	if n >= len(data) {
		out := make([]float64, len(data))
		copy(out, data)
		return out
	}
	idx := rng.Perm(len(data))[:n]
	out := make([]float64, n)
	for i, j := range idx {
		out[i] = data[j]
	}
	return out
}

func growTree(rng *rand.Rand, data []float64, depth, limit int) *isoNode {
	if depth >= limit || len(data) <= 1 {
		return &isoNode{size: len(data)}
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if lo == hi {
		return &isoNode{size: len(data)}
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range data {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &isoNode{
		split: split,
		left:  growTree(rng, left, depth+1, limit),
		right: growTree(rng, right, depth+1, limit),
	}
}

func pathLength(n *isoNode, x float64, depth int) float64 {
	if n.leaf() {
		return float64(depth) + averagePathLength(n.size)
	}
	if x < n.split {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree with n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

// OutlierDetector holds the current model and refits it in the background.
// Readers always see a complete model or none.
type OutlierDetector struct {
	current       atomic.Pointer[OutlierModel]
	version       atomic.Uint64
	contamination float64
	numTrees      int
	seed          uint64
	logger        *slog.Logger
	inflight      sync.WaitGroup
}

// NewOutlierDetector creates a detector with no fitted model.
func NewOutlierDetector(logger *slog.Logger) *OutlierDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutlierDetector{
		contamination: DefaultContamination,
		numTrees:      DefaultNumTrees,
		seed:          DefaultFitSeed,
		logger:        logger,
	}
}

// IsAnomalous reports whether amount is an outlier under the current model.
// Missing models and predict errors are treated as not anomalous.
func (d *OutlierDetector) IsAnomalous(amount float64) bool {
	m := d.current.Load()
	if m == nil {
		return false
	}
	anomalous, err := m.Predict(amount)
	if err != nil {
		d.logger.Warn("outlier predict failed, treating as normal", "error", err)
		return false
	}
	return anomalous
}

// Current returns the active model, or nil before the first successful fit.
func (d *OutlierDetector) Current() *OutlierModel {
	return d.current.Load()
}

// Refit fits a new model over amounts and swaps it in. On error the
// previous model stays current.
func (d *OutlierDetector) Refit(amounts []float64) error {
	m, err := FitOutlierModel(amounts, d.contamination, d.numTrees, d.seed)
	if err != nil {
		return err
	}
	m.Version = d.version.Add(1)
	d.current.Store(m)
	return nil
}

// RefitAsync refits on a new goroutine. The caller never waits; whichever
// refit finishes last wins.
func (d *OutlierDetector) RefitAsync(amounts []float64) {
	window := make([]float64, len(amounts))
	copy(window, amounts)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("panic in outlier refit", "panic", r)
			}
		}()
		if err := d.Refit(window); err != nil {
			OutlierRefitsTotal.WithLabelValues("skipped").Inc()
			d.logger.Debug("outlier refit skipped", "error", err, "samples", len(window))
			return
		}
		OutlierRefitsTotal.WithLabelValues("ok").Inc()
		d.logger.Debug("outlier model refit", "samples", len(window))
	}()
}

// Wait blocks until in-flight refits finish. Intended for tests and shutdown.
func (d *OutlierDetector) Wait() {
	d.inflight.Wait()
}
