package metrics

import (
	"encoding/csv"
	"io"
	"strconv"

	"breaksync/internal/model"
)

// WriteCSV writes daily statistics to CSV with a fixed column order.
func WriteCSV(w io.Writer, days []model.DayStats) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"day",
		"active_sec",
		"movement",
		"click_movement",
		"movement_time_sec",
		"clicks",
		"keystrokes",
		"prompts",
		"breaks_taken",
		"overdue_sec",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, d := range days {
		record := []string{
			d.Day,
			strconv.FormatInt(int64(d.ActiveTime.Seconds()), 10),
			strconv.Itoa(d.Movement),
			strconv.Itoa(d.ClickMovement),
			strconv.FormatInt(int64(d.MovementTime.Seconds()), 10),
			strconv.Itoa(d.Clicks),
			strconv.Itoa(d.Keystrokes),
			strconv.Itoa(d.Prompts()),
			strconv.Itoa(d.BreaksTaken()),
			strconv.FormatInt(int64(d.Overdue().Seconds()), 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
