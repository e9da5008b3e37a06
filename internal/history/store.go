package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"breaksync/internal/activity"
	"breaksync/internal/model"
	"breaksync/internal/timer"
)

const currentVersion = 1

// DayLayout formats the day key of a record.
const DayLayout = "2006-01-02"

// Store keeps per-day activity and break statistics.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		const ddl = `
		CREATE TABLE IF NOT EXISTS days (
			day               TEXT PRIMARY KEY,
			active_sec        INTEGER NOT NULL DEFAULT 0,
			movement          INTEGER NOT NULL DEFAULT 0,
			click_movement    INTEGER NOT NULL DEFAULT 0,
			movement_time_sec INTEGER NOT NULL DEFAULT 0,
			clicks            INTEGER NOT NULL DEFAULT 0,
			keystrokes        INTEGER NOT NULL DEFAULT 0,
			updated_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		);

		CREATE TABLE IF NOT EXISTS timer_days (
			day            TEXT NOT NULL,
			timer_id       TEXT NOT NULL,
			prompts        INTEGER NOT NULL DEFAULT 0,
			natural_resets INTEGER NOT NULL DEFAULT 0,
			resets         INTEGER NOT NULL DEFAULT 0,
			overdue_sec    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (day, timer_id)
		);
		`
		if _, err := s.db.Exec(ddl); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

// DayKey returns the record key of the local day containing t.
func DayKey(t time.Time) string { return t.Local().Format(DayLayout) }

// SaveActivity overwrites the activity totals of a day.
func (s *Store) SaveActivity(day string, active time.Duration, st activity.Statistics) error {
	_, err := s.db.Exec(`
		INSERT INTO days (day, active_sec, movement, click_movement, movement_time_sec, clicks, keystrokes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		ON CONFLICT(day) DO UPDATE SET
			active_sec = excluded.active_sec,
			movement = excluded.movement,
			click_movement = excluded.click_movement,
			movement_time_sec = excluded.movement_time_sec,
			clicks = excluded.clicks,
			keystrokes = excluded.keystrokes,
			updated_at = excluded.updated_at`,
		day, int64(active/time.Second), st.TotalMovement, st.TotalClickMovement,
		int64(st.TotalMovementTime/time.Second), st.TotalClicks, st.TotalKeystrokes)
	if err != nil {
		return fmt.Errorf("save activity %s: %w", day, err)
	}
	return nil
}

// RecordTimerEvent counts one break event. Events other than limit reached
// and the two reset kinds are ignored.
func (s *Store) RecordTimerEvent(day, timerID string, ev timer.Event) error {
	var column string
	switch ev {
	case timer.EventLimitReached:
		column = "prompts"
	case timer.EventNaturalReset:
		column = "natural_resets"
	case timer.EventReset:
		column = "resets"
	default:
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO timer_days (day, timer_id, %[1]s) VALUES (?, ?, 1)
		ON CONFLICT(day, timer_id) DO UPDATE SET %[1]s = %[1]s + 1`, column)
	if _, err := s.db.Exec(query, day, timerID); err != nil {
		return fmt.Errorf("record %s for %s: %w", ev, timerID, err)
	}
	return nil
}

// SetOverdue stores the overdue total of a timer for a day.
func (s *Store) SetOverdue(day, timerID string, overdue time.Duration) error {
	_, err := s.db.Exec(`
		INSERT INTO timer_days (day, timer_id, overdue_sec) VALUES (?, ?, ?)
		ON CONFLICT(day, timer_id) DO UPDATE SET overdue_sec = excluded.overdue_sec`,
		day, timerID, int64(overdue/time.Second))
	if err != nil {
		return fmt.Errorf("set overdue for %s: %w", timerID, err)
	}
	return nil
}

// Day returns the record of one day. A day without data is returned empty.
func (s *Store) Day(day string) (model.DayStats, error) {
	days, err := s.Range(day, day)
	if err != nil {
		return model.DayStats{}, err
	}
	if len(days) == 0 {
		return model.DayStats{Day: day}, nil
	}
	return days[0], nil
}

// Range returns the days in [from, to], oldest first. Days that only have
// timer events are included.
func (s *Store) Range(from, to string) ([]model.DayStats, error) {
	rows, err := s.db.Query(`
		SELECT day, active_sec, movement, click_movement, movement_time_sec, clicks, keystrokes
		FROM days WHERE day BETWEEN ? AND ?
		UNION
		SELECT DISTINCT day, 0, 0, 0, 0, 0, 0 FROM timer_days
		WHERE day BETWEEN ? AND ? AND day NOT IN (SELECT day FROM days)
		ORDER BY day`, from, to, from, to)
	if err != nil {
		return nil, fmt.Errorf("query days: %w", err)
	}
	defer rows.Close()

	var out []model.DayStats
	index := make(map[string]int)
	for rows.Next() {
		var d model.DayStats
		var active, moveTime int64
		if err := rows.Scan(&d.Day, &active, &d.Movement, &d.ClickMovement, &moveTime, &d.Clicks, &d.Keystrokes); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		d.ActiveTime = time.Duration(active) * time.Second
		d.MovementTime = time.Duration(moveTime) * time.Second
		index[d.Day] = len(out)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := s.db.Query(`
		SELECT day, timer_id, prompts, natural_resets, resets, overdue_sec
		FROM timer_days WHERE day BETWEEN ? AND ?
		ORDER BY day, timer_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query timer days: %w", err)
	}
	defer trows.Close()

	for trows.Next() {
		var day string
		var td model.TimerDay
		var overdue int64
		if err := trows.Scan(&day, &td.TimerID, &td.Prompts, &td.NaturalResets, &td.Resets, &overdue); err != nil {
			return nil, fmt.Errorf("scan timer day: %w", err)
		}
		td.Overdue = time.Duration(overdue) * time.Second
		i, ok := index[day]
		if !ok {
			continue
		}
		out[i].Timers = append(out[i].Timers, td)
	}
	return out, trows.Err()
}

// Prune deletes days before the given day key.
func (s *Store) Prune(before string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM days WHERE day < ?", before)
	if err != nil {
		return 0, fmt.Errorf("prune days: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.Exec("DELETE FROM timer_days WHERE day < ?", before); err != nil {
		return n, fmt.Errorf("prune timer days: %w", err)
	}
	return n, nil
}

// ErrNoHistory is returned by Last when the store is empty.
var ErrNoHistory = errors.New("history: no records")

// Last returns the most recent day on record.
func (s *Store) Last() (model.DayStats, error) {
	var day string
	err := s.db.QueryRow(`
		SELECT day FROM (SELECT day FROM days UNION SELECT day FROM timer_days)
		ORDER BY day DESC LIMIT 1`).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DayStats{}, ErrNoHistory
	}
	if err != nil {
		return model.DayStats{}, fmt.Errorf("query last day: %w", err)
	}
	return s.Day(day)
}
