package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/qff/internal/idgen"
	"github.com/mbd888/qff/internal/metrics"
	"github.com/mbd888/qff/internal/traces"
)

// VelocitySource supplies uniform draws in [0,1) for the velocity check.
type VelocitySource interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

const narrativeReceiverLen = 24

// Engine scores transactions against the rule table and the outlier detector.
type Engine struct {
	rules    Rules
	detector *OutlierDetector
	velocity VelocitySource
	seed     *int64
	store    Store
	logger   *slog.Logger
}

// NewEngine creates a risk scoring engine. store may be nil.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:    DefaultRules(),
		detector: NewOutlierDetector(logger),
		velocity: globalSource{},
		store:    store,
		logger:   logger,
	}
}

// WithRules replaces the rule table.
func (e *Engine) WithRules(r Rules) *Engine {
	e.rules = r
	return e
}

// WithDetector replaces the outlier detector.
func (e *Engine) WithDetector(d *OutlierDetector) *Engine {
	e.detector = d
	return e
}

// WithVelocitySource replaces the process-wide velocity source.
func (e *Engine) WithVelocitySource(src VelocitySource) *Engine {
	e.velocity = src
	return e
}

// WithSeed makes the velocity draw deterministic. Each Analyze call starts
// a fresh generator from seed, so identical inputs score identically.
func (e *Engine) WithSeed(seed int64) *Engine {
	e.seed = &seed
	return e
}

// Detector exposes the engine's outlier detector.
func (e *Engine) Detector() *OutlierDetector { return e.detector }

// Rules returns the active rule table.
func (e *Engine) Rules() Rules { return e.rules }

// Analyze scores tx. history holds recent amounts, most recent first.
// Analyze never fails: malformed amounts are penalized, not rejected.
func (e *Engine) Analyze(ctx context.Context, tx Transaction, history []decimal.Decimal) *Assessment {
	defer observeOp("analyze")()
	ctx, span := traces.StartSpan(ctx, "risk.Analyze",
		traces.TransactionType(string(tx.Type)),
		traces.Amount(tx.Amount),
	)
	defer span.End()

	if window := trainingWindow(history); len(window) > 0 {
		e.detector.RefitAsync(window)
	}

	txType := tx.Type.Normalize()
	score := BaseScore
	var factors []string
	explain := make(map[string]int)
	penalize := func(points int, factor, key string) {
		score -= points
		factors = append(factors, factor)
		explain[key] += points
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(tx.Amount))
	if err != nil || !amount.IsPositive() {
		penalize(e.rules.InvalidAmountPenalty, "Invalid or zero amount", ExplainAmount)
	} else {
		if amount.GreaterThan(e.rules.HighValueLimit) {
			penalize(e.rules.HighValuePenalty, "High-value transaction", ExplainAmount)
		}
		if e.detector.IsAnomalous(amount.InexactFloat64()) {
			penalize(e.rules.AnomalyPenalty, "Anomalous amount", ExplainAnomaly)
		}
	}

	switch {
	case e.rules.irreversible(txType):
		penalize(e.rules.IrreversiblePenalty, "Irreversible chain transaction", ExplainType)
	case e.rules.crossBorder(txType):
		penalize(e.rules.CrossBorderPenalty, "Cross-border", ExplainType)
	}

	if e.rules.ReceiverFlagged(tx.Receiver) {
		score = MinScore
		factors = append(factors, "Receiver flagged")
		explain[ExplainReceiver] = MaxScore
	}

	if e.velocityDraw() > e.rules.VelocityThreshold {
		penalize(e.rules.VelocityPenalty, "Velocity spike", ExplainVelocity)
	}

	score = max(MinScore, min(MaxScore, score))
	level, rec := Classify(score)

	for k, v := range explain {
		if v <= 0 {
			delete(explain, k)
		}
	}
	if factors == nil {
		factors = []string{}
	}

	a := &Assessment{
		ID:             idgen.WithPrefix(idgen.PrefixAssessment),
		TransactionID:  tx.ID,
		Score:          score,
		Level:          level,
		Recommendation: rec,
		Factors:        factors,
		Explain:        explain,
		Narrative:      narrative(txType, tx.Receiver),
		EvaluatedAt:    time.Now().UTC(),
	}
	if m := e.detector.Current(); m != nil {
		a.ModelVersion = m.Version
	}

	metrics.AnalyzeTotal.WithLabelValues(string(rec)).Inc()
	metrics.RiskScore.Observe(float64(score))
	span.SetAttributes(traces.RiskScore(score), traces.Recommendation(string(rec)))
	if a.Blocked() {
		e.logger.Info("transaction blocked by risk engine",
			"assessment_id", a.ID, "score", score, "factors", factors)
	}

	if e.store != nil {
		go func() {
			if err := e.store.Record(context.Background(), a); err != nil {
				e.logger.Warn("failed to record risk assessment", "assessment_id", a.ID, "error", err)
			}
		}()
	}
	return a
}

func (e *Engine) velocityDraw() float64 {
	if e.seed != nil {
		return rand.New(rand.NewPCG(uint64(*e.seed), 0)).Float64()
	}
	return e.velocity.Float64()
}

// trainingWindow keeps the first MaxTrainingWindow positive amounts.
func trainingWindow(history []decimal.Decimal) []float64 {
	if len(history) == 0 {
		return nil
	}
	out := make([]float64, 0, min(len(history), MaxTrainingWindow))
	for _, h := range history {
		if !h.IsPositive() {
			continue
		}
		out = append(out, h.InexactFloat64())
		if len(out) == MaxTrainingWindow {
			break
		}
	}
	return out
}

func narrative(t TransactionType, receiver string) string {
	if len(receiver) > narrativeReceiverLen {
		receiver = receiver[:narrativeReceiverLen]
	}
	if t == "" {
		t = "UNKNOWN"
	}
	return fmt.Sprintf("Analyzed %s -> receiver %s", t, receiver)
}
