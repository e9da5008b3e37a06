package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"breaksync/internal/model"
)

func TestWriteCSV_HeaderAndTotals(t *testing.T) {
	t.Parallel()

	days := []model.DayStats{
		{Day: "2026-03-01", ActiveTime: 90 * time.Minute, Clicks: 3, Keystrokes: 12},
		{Day: "2026-03-02", ActiveTime: time.Hour, MovementTime: 30 * time.Second,
			Timers: []model.TimerDay{
				{TimerID: "micro_pause", Prompts: 2, NaturalResets: 1, Overdue: 20 * time.Second},
				{TimerID: "rest_break", Prompts: 1, Resets: 1, Overdue: 40 * time.Second},
			}},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, days); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "day,active_sec,") {
		t.Fatalf("missing header: %q", lines[0])
	}
	if lines[1] != "2026-03-01,5400,0,0,0,3,12,0,0,0" {
		t.Fatalf("row1=%q", lines[1])
	}
	if lines[2] != "2026-03-02,3600,0,0,30,0,0,3,2,60" {
		t.Fatalf("row2=%q", lines[2])
	}
}
