package metrics

import (
	"math"
	"sort"
	"time"

	"breaksync/internal/model"
)

// Summary is a basic statistics snapshot over a run of days.
type Summary struct {
	Count         int
	From          string
	To            string
	TotalActive   time.Duration
	AvgActive     time.Duration
	P95Active     time.Duration
	MinActive     time.Duration
	MaxActive     time.Duration
	AvgKeystrokes float64
	AvgClicks     float64
	Prompts       int
	BreaksTaken   int
	Overdue       time.Duration
	// Compliance is breaks taken per prompt, 0 when nothing was prompted.
	Compliance float64
}

// Summarize computes summary statistics for days on or after since
// (a YYYY-MM-DD key). An empty since keeps every day.
func Summarize(days []model.DayStats, since string) Summary {
	filtered := make([]model.DayStats, 0, len(days))
	for _, d := range days {
		if since == "" || d.Day >= since {
			filtered = append(filtered, d)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumActive time.Duration
	var sumKeys, sumClicks float64
	var prompts, taken int
	var overdue time.Duration
	minActive := time.Duration(math.MaxInt64)
	maxActive := time.Duration(0)
	from := filtered[0].Day
	to := filtered[0].Day

	for _, d := range filtered {
		values = append(values, d.ActiveTime.Seconds())
		sumActive += d.ActiveTime
		sumKeys += float64(d.Keystrokes)
		sumClicks += float64(d.Clicks)
		prompts += d.Prompts()
		taken += d.BreaksTaken()
		overdue += d.Overdue()
		if d.ActiveTime < minActive {
			minActive = d.ActiveTime
		}
		if d.ActiveTime > maxActive {
			maxActive = d.ActiveTime
		}
		if d.Day < from {
			from = d.Day
		}
		if d.Day > to {
			to = d.Day
		}
	}

	sort.Float64s(values)
	count := float64(len(filtered))

	s := Summary{
		Count:         len(filtered),
		From:          from,
		To:            to,
		TotalActive:   sumActive,
		AvgActive:     time.Duration(float64(sumActive) / count),
		P95Active:     time.Duration(percentile(values, 0.95) * float64(time.Second)),
		MinActive:     minActive,
		MaxActive:     maxActive,
		AvgKeystrokes: sumKeys / count,
		AvgClicks:     sumClicks / count,
		Prompts:       prompts,
		BreaksTaken:   taken,
		Overdue:       overdue,
	}
	if prompts > 0 {
		s.Compliance = float64(taken) / float64(prompts)
	}
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
