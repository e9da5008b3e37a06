package metrics

import (
	"testing"
	"time"

	"breaksync/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	days := []model.DayStats{
		{Day: "2026-03-01", ActiveTime: time.Hour, Keystrokes: 100},
		{Day: "2026-03-02", ActiveTime: 2 * time.Hour, Keystrokes: 300, Clicks: 10,
			Timers: []model.TimerDay{{TimerID: "micro_pause", Prompts: 4, NaturalResets: 2, Resets: 1, Overdue: time.Minute}}},
		{Day: "2026-03-03", ActiveTime: 4 * time.Hour, Keystrokes: 200,
			Timers: []model.TimerDay{{TimerID: "rest_break", Prompts: 2, NaturalResets: 1}}},
	}
	s := Summarize(days, "2026-03-02")
	if s.Count != 2 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.From != "2026-03-02" || s.To != "2026-03-03" {
		t.Fatalf("from/to=%s/%s", s.From, s.To)
	}
	if s.AvgActive != 3*time.Hour || s.TotalActive != 6*time.Hour {
		t.Fatalf("avg=%v total=%v", s.AvgActive, s.TotalActive)
	}
	if s.MinActive != 2*time.Hour || s.MaxActive != 4*time.Hour {
		t.Fatalf("min/max=%v/%v", s.MinActive, s.MaxActive)
	}
	if s.P95Active != 4*time.Hour {
		t.Fatalf("p95=%v", s.P95Active)
	}
	if s.AvgKeystrokes != 250 || s.AvgClicks != 5 {
		t.Fatalf("keys=%v clicks=%v", s.AvgKeystrokes, s.AvgClicks)
	}
	if s.Prompts != 6 || s.BreaksTaken != 4 || s.Overdue != time.Minute {
		t.Fatalf("prompts=%d taken=%d overdue=%v", s.Prompts, s.BreaksTaken, s.Overdue)
	}
	if s.Compliance < 0.66 || s.Compliance > 0.67 {
		t.Fatalf("compliance=%v", s.Compliance)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	if s := Summarize(nil, ""); s.Count != 0 || s.Compliance != 0 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
}
