package smoothing

import (
	"math"
	"sort"

	"github.com/fitform/armeasure/internal/measure"
	"gonum.org/v1/gonum/stat"
)

// Method names how the reported value was derived.
type Method string

// Reporting methods.
const (
	MethodRaw    Method = "raw"
	MethodMean   Method = "mean"
	MethodMedian Method = "median"
)

// Options configure a Filter.
type Options struct {
	Capacity         int
	Window           int
	OutlierThreshold float64
	// MinStdDev floors the deviation used for z-scores so that a very
	// tight history does not flag ordinary jitter.
	MinStdDev float64
}

// DefaultOptions returns the standard smoothing options.
func DefaultOptions() Options {
	return Options{
		Capacity:         DefaultCapacity,
		Window:           5,
		OutlierThreshold: 2.0,
		MinStdDev:        0.5,
	}
}

// Result is the outcome of one Update.
type Result struct {
	Value   measure.Raw `json:"value"`
	Applied bool        `json:"applied"`
	Method  Method      `json:"method"`
	// Outliers are indices into the history snapshot, oldest first.
	Outliers []int `json:"outliers,omitempty"`
}

// Filter smooths measurements over a rolling history and excludes
// statistical outliers from the reported value.
type Filter struct {
	opts    Options
	history *History
}

// NewFilter creates a filter. Zero option fields fall back to defaults.
func NewFilter(opts Options) *Filter {
	def := DefaultOptions()
	if opts.Capacity < 1 {
		opts.Capacity = def.Capacity
	}
	if opts.Window < 1 {
		opts.Window = def.Window
	}
	if opts.Window > opts.Capacity {
		opts.Window = opts.Capacity
	}
	if opts.OutlierThreshold <= 0 {
		opts.OutlierThreshold = def.OutlierThreshold
	}
	if opts.MinStdDev < 0 {
		opts.MinStdDev = 0
	}
	return &Filter{opts: opts, history: NewHistory(opts.Capacity)}
}

// History returns a snapshot of the stored measurements, oldest first.
func (f *Filter) History() []measure.Raw {
	return f.history.Values()
}

// Len returns the number of stored measurements.
func (f *Filter) Len() int {
	return f.history.Len()
}

// Reset clears the history.
func (f *Filter) Reset() {
	f.history.Reset()
}

// Update records raw and returns the value to report. It never fails:
// below the window size the raw value is reported unchanged.
func (f *Filter) Update(raw measure.Raw) Result {
	f.history.Push(raw)

	if f.history.Len() < f.opts.Window {
		return Result{Value: raw, Method: MethodRaw}
	}

	values := f.history.Values()
	windowStart := len(values) - f.opts.Window
	flagged := make(map[int]bool)

	pick := func(get func(measure.Raw) float64) float64 {
		current := get(raw)
		if current == 0 {
			return 0
		}
		series := make([]float64, len(values))
		for i, v := range values {
			series[i] = get(v)
		}
		out := f.outliers(series, windowStart)
		for _, i := range out {
			flagged[i] = true
		}
		return f.reduce(series, windowStart, out)
	}

	smoothed := measure.Raw{
		ShoulderWidthCm: pick(func(r measure.Raw) float64 { return r.ShoulderWidthCm }),
		HeightCm:        pick(func(r measure.Raw) float64 { return r.HeightCm }),
		HipWidthCm:      pick(func(r measure.Raw) float64 { return r.HipWidthCm }),
		Timestamp:       raw.Timestamp,
	}

	res := Result{Value: smoothed, Applied: true, Method: MethodMean}
	if len(flagged) > 0 {
		res.Method = MethodMedian
		for i := range flagged {
			res.Outliers = append(res.Outliers, i)
		}
		sort.Ints(res.Outliers)
	}
	return res
}

// outliers returns the window indices whose leave-one-out z-score against
// the rest of the history exceeds the threshold. Zero entries are missing
// values and never flagged.
func (f *Filter) outliers(series []float64, windowStart int) []int {
	var out []int
	for i := windowStart; i < len(series); i++ {
		if series[i] == 0 {
			continue
		}

		others := make([]float64, 0, len(series)-1)
		for j, v := range series {
			if j != i && v != 0 {
				others = append(others, v)
			}
		}
		if len(others) < 2 {
			continue
		}

		mean, sd := stat.MeanStdDev(others, nil)
		sd = math.Max(sd, f.opts.MinStdDev)
		if sd == 0 {
			continue
		}
		if math.Abs(series[i]-mean)/sd > f.opts.OutlierThreshold {
			out = append(out, i)
		}
	}
	return out
}

// reduce averages the window, or takes the median of the non-outlier
// window samples when outliers were found.
func (f *Filter) reduce(series []float64, windowStart int, outliers []int) float64 {
	excluded := make(map[int]bool, len(outliers))
	for _, i := range outliers {
		excluded[i] = true
	}

	kept := make([]float64, 0, len(series)-windowStart)
	all := make([]float64, 0, len(series)-windowStart)
	for i := windowStart; i < len(series); i++ {
		if series[i] == 0 {
			continue
		}
		all = append(all, series[i])
		if !excluded[i] {
			kept = append(kept, series[i])
		}
	}

	if len(outliers) == 0 {
		return stat.Mean(all, nil)
	}
	if len(kept) == 0 {
		return median(all)
	}
	return median(kept)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
