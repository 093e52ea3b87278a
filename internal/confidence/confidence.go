// Package confidence scores how much a single-frame measurement can be
// trusted.
package confidence

import (
	"fmt"
	"math"

	"github.com/fitform/armeasure/internal/config"
	"github.com/fitform/armeasure/internal/landmark"
	"github.com/fitform/armeasure/internal/measure"
	"gonum.org/v1/gonum/stat"
)

// Factor names.
const (
	FactorBase      = "base"
	FactorTemporal  = "temporal"
	FactorRealism   = "realism"
	FactorStability = "stability"
	FactorSymmetry  = "symmetry"
	FactorLighting  = "lighting"
	FactorDistance  = "distance"
)

// maxShoulderTiltM is the shoulder height difference at which symmetry
// drops to zero.
const maxShoulderTiltM = 0.1

// Subject distance bands in meters.
const (
	minIdealDistanceM = 1.0
	maxIdealDistanceM = 3.0
	minDistanceM      = 0.5
	maxDistanceM      = 4.0
)

// Factors is the per-frame breakdown. Optional factors are nil when the
// frame carried no signal for them.
type Factors struct {
	Base      float64  `json:"base"`
	Temporal  float64  `json:"temporal"`
	Realism   float64  `json:"realism"`
	Stability float64  `json:"stability"`
	Symmetry  *float64 `json:"symmetry,omitempty"`
	Lighting  *float64 `json:"lighting,omitempty"`
	Distance  *float64 `json:"distance,omitempty"`
}

// Score is a composite confidence with its breakdown.
type Score struct {
	Composite float64 `json:"composite"`
	Factors   Factors `json:"factors"`
	Weakest   string  `json:"weakest"`
	Quality   string  `json:"quality"`
}

// Input is everything the scorer looks at for one frame.
type Input struct {
	Set     landmark.Set
	Current measure.Raw
	// History holds earlier measurements, oldest first, excluding Current.
	History []measure.Raw
	// Lighting is a normalized frame luminance score, when known.
	Lighting *float64
	// SubjectDistanceM is the camera to body distance, when known.
	SubjectDistanceM *float64
}

// Scorer computes confidence scores. It holds a configuration snapshot
// and no mutable state.
type Scorer struct {
	weights config.Weights
	bands   config.ValidationSettings
	perf    config.PerformanceSettings
}

// NewScorer creates a scorer from a configuration snapshot.
func NewScorer(cfg config.ARConfig) *Scorer {
	return &Scorer{
		weights: cfg.Weights,
		bands:   cfg.Validation,
		perf:    cfg.Performance,
	}
}

// Score computes every factor and the weighted composite.
func (s *Scorer) Score(in Input) Score {
	f := Factors{
		Base:      Base(in.Set),
		Temporal:  s.temporal(in.Current, in.History),
		Realism:   s.realism(in.Current),
		Stability: s.stability(in.Current, in.History),
		Symmetry:  symmetry(in.Set),
		Lighting:  clampPtr(in.Lighting),
	}
	if in.SubjectDistanceM != nil {
		d := DistanceScore(*in.SubjectDistanceM)
		f.Distance = &d
	}

	type weighted struct {
		name   string
		value  float64
		weight float64
	}
	parts := []weighted{
		{FactorBase, f.Base, s.weights.Base},
		{FactorTemporal, f.Temporal, s.weights.Temporal},
		{FactorRealism, f.Realism, s.weights.Realism},
		{FactorStability, f.Stability, s.weights.Stability},
	}
	if f.Symmetry != nil {
		parts = append(parts, weighted{FactorSymmetry, *f.Symmetry, s.weights.Symmetry})
	}
	if f.Lighting != nil {
		parts = append(parts, weighted{FactorLighting, *f.Lighting, s.weights.Lighting})
	}
	if f.Distance != nil {
		parts = append(parts, weighted{FactorDistance, *f.Distance, s.weights.Distance})
	}

	var sum, total float64
	weakest, weakestVal := "", math.Inf(1)
	for _, p := range parts {
		if p.weight <= 0 {
			continue
		}
		sum += p.weight * p.value
		total += p.weight
		if p.value < weakestVal {
			weakest, weakestVal = p.name, p.value
		}
	}

	composite := 0.0
	if total > 0 {
		composite = clamp01(sum / total)
	}

	return Score{
		Composite: composite,
		Factors:   f,
		Weakest:   weakest,
		Quality:   Quality(composite),
	}
}

// Assess reports whether score meets threshold. When it does not, the
// reason names the composite, the threshold and the weakest factor.
func Assess(score Score, threshold float64) (bool, string) {
	if score.Composite >= threshold {
		return true, ""
	}
	if score.Weakest == "" {
		return false, fmt.Sprintf("low confidence %.2f below threshold %.2f", score.Composite, threshold)
	}
	return false, fmt.Sprintf("low confidence %.2f below threshold %.2f (weakest factor: %s)",
		score.Composite, threshold, score.Weakest)
}

// Quality labels a composite confidence.
func Quality(c float64) string {
	switch {
	case c >= 0.9:
		return "excellent"
	case c >= 0.8:
		return "good"
	case c >= 0.7:
		return "fair"
	default:
		return "poor"
	}
}

// Base is the confidence-weighted fraction of required joints tracked.
func Base(set landmark.Set) float64 {
	var sum float64
	for _, j := range landmark.RequiredJoints {
		sum += set.Confidence(j)
	}
	return sum / float64(len(landmark.RequiredJoints))
}

// temporal is 1 minus the normalized variance of recent values, averaged
// over shoulder width and height. It is neutral until enough history exists.
// Zero components are missing values and left out of the variance.
func (s *Scorer) temporal(cur measure.Raw, history []measure.Raw) float64 {
	n := s.perf.MinConsistencyFrames
	if n < 1 || len(history) < n {
		return 1.0
	}
	recent := append(append([]measure.Raw(nil), history[len(history)-n:]...), cur)

	shoulders := make([]float64, 0, len(recent))
	heights := make([]float64, 0, len(recent))
	for _, r := range recent {
		if r.ShoulderWidthCm != 0 {
			shoulders = append(shoulders, r.ShoulderWidthCm)
		}
		if r.HeightCm != 0 {
			heights = append(heights, r.HeightCm)
		}
	}

	maxVar := s.perf.MaxVarianceThreshold
	if maxVar <= 0 {
		return 1.0
	}
	vs := clamp01(variance(shoulders) / maxVar)
	vh := clamp01(variance(heights) / maxVar)
	return 1 - (vs+vh)/2
}

// variance is the sample variance, or 0 with fewer than two values.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.Variance(xs, nil)
}

func (s *Scorer) realism(cur measure.Raw) float64 {
	return (BandScore(cur.ShoulderWidthCm, s.bands.ShoulderWidthCm) +
		BandScore(cur.HeightCm, s.bands.HeightCm)) / 2
}

// stability is the fraction of the last K measurements agreeing with the
// current one within the relative smoothing threshold. Only components
// present in both measurements are compared; entries sharing none are
// skipped.
func (s *Scorer) stability(cur measure.Raw, history []measure.Raw) float64 {
	k := s.perf.StabilityWindow
	if len(history) == 0 || k < 1 {
		return 1.0
	}
	if len(history) > k {
		history = history[len(history)-k:]
	}

	agree, compared := 0, 0
	for _, r := range history {
		sok, sagree := compare(r.ShoulderWidthCm, cur.ShoulderWidthCm, s.perf.SmoothingThreshold)
		hok, hagree := compare(r.HeightCm, cur.HeightCm, s.perf.SmoothingThreshold)
		if !sok && !hok {
			continue
		}
		compared++
		if (!sok || sagree) && (!hok || hagree) {
			agree++
		}
	}
	if compared == 0 {
		return 1.0
	}
	return float64(agree) / float64(compared)
}

// compare reports whether v and ref are both present and, if so, whether
// they agree within rel.
func compare(v, ref, rel float64) (present, agree bool) {
	if v == 0 || ref == 0 {
		return false, false
	}
	return true, within(v, ref, rel)
}

// BandScore is 1 inside the optimal band, decays linearly to 0 at the
// acceptable edges and is 0 outside them.
func BandScore(v float64, b config.Band) float64 {
	switch {
	case v < b.AcceptableMin || v > b.AcceptableMax:
		return 0
	case v >= b.OptimalMin && v <= b.OptimalMax:
		return 1
	case v < b.OptimalMin:
		if b.OptimalMin == b.AcceptableMin {
			return 1
		}
		return (v - b.AcceptableMin) / (b.OptimalMin - b.AcceptableMin)
	default:
		if b.AcceptableMax == b.OptimalMax {
			return 1
		}
		return (b.AcceptableMax - v) / (b.AcceptableMax - b.OptimalMax)
	}
}

// DistanceScore is 1 between 1 and 3 meters and decays to 0 at 0.5 and 4.
func DistanceScore(d float64) float64 {
	switch {
	case d >= minIdealDistanceM && d <= maxIdealDistanceM:
		return 1
	case d <= minDistanceM || d >= maxDistanceM:
		return 0
	case d < minIdealDistanceM:
		return (d - minDistanceM) / (minIdealDistanceM - minDistanceM)
	default:
		return (maxDistanceM - d) / (maxDistanceM - maxIdealDistanceM)
	}
}

// DistanceHint returns a positioning hint, or "" when the distance is fine.
func DistanceHint(d float64) string {
	switch {
	case d < minIdealDistanceM:
		return "Please step back from the camera"
	case d > maxIdealDistanceM:
		return "Please step closer to the camera"
	}
	return ""
}

func symmetry(set landmark.Set) *float64 {
	l, lok := set.Tracked(landmark.LeftShoulder)
	r, rok := set.Tracked(landmark.RightShoulder)
	if !lok || !rok {
		return nil
	}
	v := 1 - clamp01(math.Abs(l.Position.Y-r.Position.Y)/maxShoulderTiltM)
	return &v
}

func within(v, ref, rel float64) bool {
	if ref == 0 {
		return false
	}
	return math.Abs(v-ref)/ref <= rel
}

func clampPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := clamp01(*p)
	return &v
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
