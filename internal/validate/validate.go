// Package validate applies hard plausibility rules to a measurement.
package validate

import (
	"fmt"

	"github.com/fitform/armeasure/internal/config"
)

// Rule identifies the rule that rejected a measurement.
type Rule string

// Rules in evaluation order.
const (
	RuleNone          Rule = ""
	RuleShoulderRange Rule = "shoulder_range"
	RuleHeightRange   Rule = "height_range"
	RuleRatio         Rule = "proportions"
	RuleConfidence    Rule = "confidence"
	RuleScans         Rule = "incomplete_scans"
)

// ReasonIncompleteScans is reported when both scans are required but missing.
const ReasonIncompleteScans = "incomplete scans: both front and side scans are required"

// Input is the measurement under validation.
type Input struct {
	ShoulderWidthCm    float64
	HeightCm           float64
	Confidence         float64
	FrontScanCompleted bool
	SideScanCompleted  bool
}

// Result is the validation outcome. Reason is empty when Valid.
type Result struct {
	Valid  bool   `json:"valid"`
	Rule   Rule   `json:"rule,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Validator checks measurements against plausibility bands.
type Validator struct {
	bands                config.ValidationSettings
	minConfidence        float64
	requireComprehensive bool
}

// New creates a validator from a configuration snapshot.
func New(cfg config.ARConfig) *Validator {
	return &Validator{
		bands:                cfg.Validation,
		minConfidence:        cfg.AR.MinConfidenceThreshold,
		requireComprehensive: cfg.AR.RequireComprehensiveScan,
	}
}

// Validate evaluates the rules in order and stops at the first failure.
func (v *Validator) Validate(in Input) Result {
	sb := v.bands.ShoulderWidthCm
	if !sb.Contains(in.ShoulderWidthCm) {
		return reject(RuleShoulderRange, fmt.Sprintf("shoulder width %.1f cm outside plausible range %.0f-%.0f cm",
			in.ShoulderWidthCm, sb.AcceptableMin, sb.AcceptableMax))
	}

	hb := v.bands.HeightCm
	if !hb.Contains(in.HeightCm) {
		return reject(RuleHeightRange, fmt.Sprintf("height %.1f cm outside plausible range %.0f-%.0f cm",
			in.HeightCm, hb.AcceptableMin, hb.AcceptableMax))
	}

	rb := v.bands.HeightToShoulder
	ratio := in.HeightCm / in.ShoulderWidthCm
	if !rb.Contains(ratio) {
		return reject(RuleRatio, fmt.Sprintf("body proportions implausible: height to shoulder ratio %.2f outside %.1f-%.1f",
			ratio, rb.AcceptableMin, rb.AcceptableMax))
	}

	if in.Confidence < v.minConfidence {
		return reject(RuleConfidence, fmt.Sprintf("low confidence %.2f below threshold %.2f",
			in.Confidence, v.minConfidence))
	}

	if v.requireComprehensive && !(in.FrontScanCompleted && in.SideScanCompleted) {
		return reject(RuleScans, ReasonIncompleteScans)
	}

	return Result{Valid: true}
}

func reject(rule Rule, reason string) Result {
	return Result{Valid: false, Rule: rule, Reason: reason}
}
