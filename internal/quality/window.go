package quality

import "time"

// Counts are raw samples for one number
type Counts struct {
	Messages int64 `json:"messages"`
	Blocks   int64 `json:"blocks"`
	Reports  int64 `json:"reports"`
	Failures int64 `json:"failures"`
}

func (c *Counts) add(o Counts) {
	c.Messages += o.Messages
	c.Blocks += o.Blocks
	c.Reports += o.Reports
	c.Failures += o.Failures
}

// Metrics are counts over the rolling window plus derived rates
type Metrics struct {
	Counts
	BlockRate   float64 `json:"block_rate"`
	ReportRate  float64 `json:"report_rate"`
	FailureRate float64 `json:"failure_rate"`
}

func newMetrics(c Counts) Metrics {
	denom := float64(c.Messages)
	if denom < 1 {
		denom = 1
	}
	return Metrics{
		Counts:      c,
		BlockRate:   float64(c.Blocks) / denom,
		ReportRate:  float64(c.Reports) / denom,
		FailureRate: float64(c.Failures) / denom,
	}
}

type bucket struct {
	start time.Time
	Counts
}

// window keeps hourly buckets covering a rolling span
type window struct {
	span    time.Duration
	buckets []bucket
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) add(now time.Time, c Counts) {
	start := now.Truncate(time.Hour)
	if n := len(w.buckets); n > 0 && w.buckets[n-1].start.Equal(start) {
		w.buckets[n-1].add(c)
		return
	}
	w.buckets = append(w.buckets, bucket{start: start, Counts: c})
	w.prune(now)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.buckets) && !w.buckets[i].start.Add(time.Hour).After(cutoff) {
		i++
	}
	if i > 0 {
		w.buckets = append(w.buckets[:0], w.buckets[i:]...)
	}
}

func (w *window) metrics(now time.Time) Metrics {
	w.prune(now)
	var total Counts
	for _, b := range w.buckets {
		total.add(b.Counts)
	}
	return newMetrics(total)
}
