package risk

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rules holds the tunable thresholds and penalties used by the engine.
// Zero-valued fields in a rules file fall back to DefaultRules.
type Rules struct {
	HighValueLimit       decimal.Decimal   `yaml:"high_value_limit"`
	InvalidAmountPenalty int               `yaml:"invalid_amount_penalty"`
	HighValuePenalty     int               `yaml:"high_value_penalty"`
	AnomalyPenalty       int               `yaml:"anomaly_penalty"`
	IrreversiblePenalty  int               `yaml:"irreversible_penalty"`
	CrossBorderPenalty   int               `yaml:"cross_border_penalty"`
	VelocityPenalty      int               `yaml:"velocity_penalty"`
	VelocityThreshold    float64           `yaml:"velocity_threshold"`
	IrreversibleTypes    []TransactionType `yaml:"irreversible_types"`
	CrossBorderTypes     []TransactionType `yaml:"cross_border_types"`
	FlaggedPrefixes      []string          `yaml:"flagged_receiver_prefixes"`
	FlaggedSubstrings    []string          `yaml:"flagged_receiver_substrings"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() Rules {
	return Rules{
		HighValueLimit:       decimal.NewFromInt(10000),
		InvalidAmountPenalty: 40,
		HighValuePenalty:     15,
		AnomalyPenalty:       25,
		IrreversiblePenalty:  20,
		CrossBorderPenalty:   10,
		VelocityPenalty:      10,
		VelocityThreshold:    0.995,
		IrreversibleTypes:    []TransactionType{TypeCryptoTransfer, TypeSmartContract},
		CrossBorderTypes:     []TransactionType{TypeForexPayment},
		FlaggedPrefixes:      []string{"0xdead"},
		FlaggedSubstrings:    []string{"unverified"},
	}
}

// LoadRules reads a YAML rules file and overlays it on DefaultRules.
// An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules over the defaults.
func ParseRules(data []byte) (Rules, error) {
	var file Rules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return DefaultRules(), fmt.Errorf("parse rules: %w", err)
	}
	rules := DefaultRules()
	if !file.HighValueLimit.IsZero() {
		rules.HighValueLimit = file.HighValueLimit
	}
	overlayInt(&rules.InvalidAmountPenalty, file.InvalidAmountPenalty)
	overlayInt(&rules.HighValuePenalty, file.HighValuePenalty)
	overlayInt(&rules.AnomalyPenalty, file.AnomalyPenalty)
	overlayInt(&rules.IrreversiblePenalty, file.IrreversiblePenalty)
	overlayInt(&rules.CrossBorderPenalty, file.CrossBorderPenalty)
	overlayInt(&rules.VelocityPenalty, file.VelocityPenalty)
	if file.VelocityThreshold != 0 {
		if file.VelocityThreshold < 0 || file.VelocityThreshold > 1 {
			return DefaultRules(), fmt.Errorf("parse rules: velocity_threshold %v out of [0,1]", file.VelocityThreshold)
		}
		rules.VelocityThreshold = file.VelocityThreshold
	}
	if len(file.IrreversibleTypes) > 0 {
		rules.IrreversibleTypes = normalizeTypes(file.IrreversibleTypes)
	}
	if len(file.CrossBorderTypes) > 0 {
		rules.CrossBorderTypes = normalizeTypes(file.CrossBorderTypes)
	}
	if len(file.FlaggedPrefixes) > 0 {
		rules.FlaggedPrefixes = lowerAll(file.FlaggedPrefixes)
	}
	if len(file.FlaggedSubstrings) > 0 {
		rules.FlaggedSubstrings = lowerAll(file.FlaggedSubstrings)
	}
	return rules, nil
}

// ReceiverFlagged reports whether receiver matches a flagged pattern.
func (r Rules) ReceiverFlagged(receiver string) bool {
	lower := strings.ToLower(receiver)
	for _, p := range r.FlaggedPrefixes {
		if p != "" && strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, s := range r.FlaggedSubstrings {
		if s != "" && strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func (r Rules) irreversible(t TransactionType) bool { return containsType(r.IrreversibleTypes, t) }
func (r Rules) crossBorder(t TransactionType) bool  { return containsType(r.CrossBorderTypes, t) }

func containsType(list []TransactionType, t TransactionType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func overlayInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func normalizeTypes(in []TransactionType) []TransactionType {
	out := make([]TransactionType, len(in))
	for i, t := range in {
		out[i] = t.Normalize()
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
