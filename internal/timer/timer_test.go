package timer

import (
	"strings"
	"testing"
	"time"

	"breaksync/internal/activity"
	"breaksync/internal/clock"
)

func newTestTimer(id string) (*Timer, *clock.Manual) {
	c := clock.NewManual(time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local))
	return New(id, c), c
}

func TestTimer_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.Enable()
	tm.StartTimer()
	c.Advance(30 * time.Second)
	tm.StopTimer()
	tm.StopTimer()
	c.Advance(time.Minute)
	tm.StopTimer()

	if got := tm.Elapsed(); got != 30*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
	if got := tm.ElapsedIdle(); got != time.Minute {
		t.Fatalf("idle=%v", got)
	}
}

func TestTimer_ProcessEmitsEdges(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.Enable()

	if info := tm.Process(activity.Active); info.Event != EventStarted {
		t.Fatalf("event=%v", info.Event)
	}
	c.Advance(time.Second)
	if info := tm.Process(activity.Active); info.Event != EventNone {
		t.Fatalf("event=%v", info.Event)
	}
	c.Advance(time.Second)
	if info := tm.Process(activity.Noise); info.Event != EventStopped {
		t.Fatalf("event=%v", info.Event)
	}
	if got := tm.Elapsed(); got != 2*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
}

func TestTimer_LimitReachedAndSnoozeOnActivity(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.SetLimit(time.Minute)
	tm.SetSnoozeInterval(30 * time.Second)
	tm.Enable()
	start := c.Now()

	tm.Process(activity.Active)
	if got := tm.NextLimitTime(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("next_limit=%v", got)
	}

	c.Advance(time.Minute)
	info := tm.Process(activity.Active)
	if info.Event != EventLimitReached {
		t.Fatalf("event=%v", info.Event)
	}
	if got := tm.NextLimitTime(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("next_limit after limit=%v", got)
	}

	c.Advance(30 * time.Second)
	if info := tm.Process(activity.Active); info.Event != EventLimitReached {
		t.Fatalf("snooze event=%v", info.Event)
	}
}

func TestTimer_SnoozeWhileIdle(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.SetLimit(time.Minute)
	tm.SetSnoozeInterval(30 * time.Second)
	tm.Enable()

	tm.Process(activity.Active)
	c.Advance(time.Minute)
	if info := tm.Process(activity.Active); info.Event != EventLimitReached {
		t.Fatalf("event=%v", info.Event)
	}
	if info := tm.Process(activity.Idle); info.Event != EventStopped {
		t.Fatalf("event=%v", info.Event)
	}
	if !tm.NextLimitTime().IsZero() {
		t.Fatalf("limit armed while stopped: %v", tm.NextLimitTime())
	}

	tm.SnoozeTimer()
	c.Advance(30 * time.Second)
	if info := tm.Process(activity.Idle); info.Event != EventLimitReached {
		t.Fatalf("event=%v", info.Event)
	}

	tm.InhibitSnooze()
	tm.SnoozeTimer()
	if !tm.NextLimitTime().IsZero() {
		t.Fatalf("inhibited snooze armed: %v", tm.NextLimitTime())
	}
}

func TestTimer_NaturalResetAfterIdle(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.SetLimit(time.Minute)
	tm.SetAutoReset(30 * time.Second)
	tm.Enable()

	tm.Process(activity.Active)
	c.Advance(20 * time.Second)
	tm.Process(activity.Idle)
	c.Advance(29 * time.Second)
	if info := tm.Process(activity.Idle); info.Event != EventNone {
		t.Fatalf("early event=%v", info.Event)
	}
	c.Advance(time.Second)
	info := tm.Process(activity.Idle)
	if info.Event != EventNaturalReset {
		t.Fatalf("event=%v", info.Event)
	}
	if info.ElapsedTime != 20*time.Second {
		t.Fatalf("info elapsed=%v", info.ElapsedTime)
	}
	if got := tm.Elapsed(); got != 0 {
		t.Fatalf("elapsed=%v", got)
	}
}

func TestTimer_OverdueResetBooksOverdue(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("rest_break")
	tm.SetLimit(10 * time.Second)
	tm.SetAutoReset(30 * time.Second)
	tm.Enable()

	tm.Process(activity.Active)
	c.Advance(15 * time.Second)
	tm.Process(activity.Idle)
	c.Advance(30 * time.Second)
	if info := tm.Process(activity.Idle); info.Event != EventReset {
		t.Fatalf("event=%v", info.Event)
	}
	if got := tm.TotalOverdue(); got != 5*time.Second {
		t.Fatalf("overdue=%v", got)
	}

	tm.DailyReset()
	if got := tm.TotalOverdue(); got != 0 {
		t.Fatalf("overdue after daily reset=%v", got)
	}
}

func TestTimer_PredicateResetWinsOverLimit(t *testing.T) {
	t.Parallel()

	c := clock.NewManual(time.Date(2024, 1, 15, 23, 59, 0, 0, time.Local))
	tm := New("daily_limit", c)
	tm.SetLimit(time.Minute)
	pred, err := ParsePredicate("day/00:00")
	if err != nil {
		t.Fatalf("ParsePredicate: %v", err)
	}
	tm.SetAutoResetPredicate(pred)
	tm.Enable()

	tm.Process(activity.Active)
	if !tm.NextLimitTime().Equal(tm.NextPredicateResetTime()) {
		t.Fatalf("limit=%v pred=%v", tm.NextLimitTime(), tm.NextPredicateResetTime())
	}

	c.Advance(time.Minute)
	if info := tm.Process(activity.Active); info.Event != EventReset {
		t.Fatalf("event=%v", info.Event)
	}
	if got := tm.Elapsed(); got != 0 {
		t.Fatalf("elapsed=%v", got)
	}
	want := time.Date(2024, 1, 17, 0, 0, 0, 0, time.Local)
	if got := tm.NextPredicateResetTime(); !got.Equal(want) {
		t.Fatalf("next_pred=%v", got)
	}
	if got := tm.NextLimitTime(); !got.Equal(c.Now().Add(time.Minute)) {
		t.Fatalf("next_limit=%v", got)
	}
}

func TestTimer_IdleTimerCountsIdleness(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("idle")
	tm.SetActivityTimer(false)
	tm.Enable()

	if info := tm.Process(activity.Idle); info.Event != EventStarted {
		t.Fatalf("event=%v", info.Event)
	}
	c.Advance(10 * time.Second)
	if info := tm.Process(activity.Active); info.Event != EventStopped {
		t.Fatalf("event=%v", info.Event)
	}
	if got := tm.Elapsed(); got != 10*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
}

func TestTimer_ChainedMonitor(t *testing.T) {
	t.Parallel()

	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	lead := New("lead", c)
	follow := New("follow", c)
	follow.SetActivityMonitor(lead)
	lead.Enable()
	follow.Enable()

	lead.Process(activity.Active)
	if info := follow.Process(activity.Idle); info.Event != EventStarted {
		t.Fatalf("event=%v", info.Event)
	}
	lead.Process(activity.Idle)
	if info := follow.Process(activity.Active); info.Event != EventStopped {
		t.Fatalf("event=%v", info.Event)
	}
}

func TestTimer_FreezeHoldsElapsed(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.Enable()
	tm.StartTimer()
	c.Advance(10 * time.Second)
	tm.FreezeTimer(true)
	c.Advance(10 * time.Second)
	if got := tm.Elapsed(); got != 10*time.Second {
		t.Fatalf("frozen elapsed=%v", got)
	}
	tm.FreezeTimer(false)
	c.Advance(5 * time.Second)
	if got := tm.Elapsed(); got != 15*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
}

func TestTimer_SerializeRoundTrip(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.SetLimit(20 * time.Second)
	tm.Enable()
	tm.StartTimer()
	c.Advance(50 * time.Second)
	tm.StopTimer()
	tm.ResetTimer()
	tm.StartTimer()
	c.Advance(15 * time.Second)
	tm.StopTimer()

	record := tm.SerializeState()
	if !strings.HasPrefix(record, "micro_pause ") {
		t.Fatalf("record=%q", record)
	}

	restored := New("micro_pause", c)
	restored.SetLimit(20 * time.Second)
	restored.Enable()
	restored.DeserializeState(record)
	if got := restored.Elapsed(); got != 15*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
	if got := restored.TotalOverdue(); got != 30*time.Second {
		t.Fatalf("overdue=%v", got)
	}

	withoutID := strings.TrimPrefix(record, "micro_pause ")
	again := New("micro_pause", c)
	again.Enable()
	again.DeserializeState(withoutID)
	if got := again.Elapsed(); got != 15*time.Second {
		t.Fatalf("elapsed without id=%v", got)
	}
}

func TestTimer_DeserializeDropsStaleElapsed(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.Enable()
	tm.StartTimer()
	c.Advance(40 * time.Second)
	tm.StopTimer()
	record := tm.SerializeState()

	c.Advance(DefaultAutoReset + time.Second)
	restored := New("micro_pause", c)
	restored.Enable()
	restored.DeserializeState(record)
	if got := restored.Elapsed(); got != 0 {
		t.Fatalf("elapsed=%v", got)
	}

	garbled := New("micro_pause", c)
	garbled.Enable()
	garbled.DeserializeState("micro_pause x y z")
	if got := garbled.Elapsed(); got != 0 {
		t.Fatalf("garbled elapsed=%v", got)
	}
}

func TestTimer_DeserializeOverdueForcesSnooze(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.SetLimit(20 * time.Second)
	tm.Enable()
	tm.StartTimer()
	c.Advance(25 * time.Second)
	tm.StopTimer()
	record := tm.SerializeState()

	restored := New("micro_pause", c)
	restored.SetLimit(20 * time.Second)
	restored.SetSnoozeInterval(time.Minute)
	restored.Enable()
	restored.DeserializeState(record)
	if !restored.LastLimitTime().Equal(c.Now()) {
		t.Fatalf("last_limit=%v", restored.LastLimitTime())
	}
	restored.Process(activity.Active)
	if got := restored.NextLimitTime(); !got.Equal(c.Now().Add(-25*time.Second + time.Minute)) {
		t.Fatalf("next_limit=%v", got)
	}
}

func TestTimer_StateDataShiftsClock(t *testing.T) {
	t.Parallel()

	remoteClock := clock.NewManual(time.Unix(1_700_000_000, 0))
	localClock := clock.NewManual(time.Unix(1_700_000_100, 0))

	remote := New("rest_break", remoteClock)
	remote.Enable()
	remote.StartTimer()
	remoteClock.Advance(40 * time.Second)
	remote.ResetTimer()
	remoteClock.Advance(5 * time.Second)

	local := New("rest_break", localClock)
	local.Enable()
	local.SetStateData(remote.StateData())

	if got := local.Elapsed(); got != 5*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
	localClock.Advance(3 * time.Second)
	if got := local.ElapsedIdle(); got != 3*time.Second {
		t.Fatalf("idle=%v", got)
	}
}

func TestTimer_StopSinceCountsGapAsIdle(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.SetLimit(time.Hour)
	tm.SetAutoReset(time.Minute)
	tm.Enable()
	tm.Process(activity.Active)
	c.Advance(10 * time.Second)
	last := c.Now()

	c.Advance(10 * time.Minute)
	tm.StopSince(last)
	if tm.State() != Stopped {
		t.Fatalf("state=%v", tm.State())
	}
	if got := tm.Elapsed(); got != 10*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
	if got := tm.ElapsedIdle(); got != 10*time.Minute {
		t.Fatalf("idle=%v", got)
	}
	if info := tm.Process(activity.Idle); info.Event != EventNaturalReset {
		t.Fatalf("event=%v", info.Event)
	}
}

func TestTimer_StopSinceLeavesIdleTimers(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("idle_counter")
	tm.SetActivityTimer(false)
	tm.Enable()
	tm.Process(activity.Idle)
	c.Advance(time.Minute)
	tm.StopSince(c.Now().Add(-30 * time.Second))
	if tm.State() != Running {
		t.Fatalf("state=%v", tm.State())
	}
}

func TestTimer_ShiftTimeFollowsClockJump(t *testing.T) {
	t.Parallel()

	tm, c := newTestTimer("micro_pause")
	tm.SetLimit(time.Minute)
	tm.Enable()
	tm.Process(activity.Active)
	c.Advance(20 * time.Second)

	c.Advance(-time.Hour)
	tm.ShiftTime(-time.Hour)
	if got := tm.Elapsed(); got != 20*time.Second {
		t.Fatalf("elapsed=%v", got)
	}
	want := c.Now().Add(40 * time.Second)
	if got := tm.NextLimitTime(); !got.Equal(want) {
		t.Fatalf("next limit=%v want=%v", got, want)
	}
}
