package timer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"breaksync/internal/activity"
	"breaksync/internal/clock"
)

// RunState is the core state of a timer.
type RunState int

const (
	Invalid RunState = iota
	Running
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Event is the single lifecycle event resolved by one Process call.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventLimitReached
	EventNaturalReset
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventLimitReached:
		return "limit-reached"
	case EventNaturalReset:
		return "natural-reset"
	case EventReset:
		return "reset"
	default:
		return "none"
	}
}

// Info is the outcome of one Process call.
type Info struct {
	Event       Event
	ElapsedTime time.Duration
	IdleTime    time.Duration
}

const (
	DefaultLimit          = 10 * time.Minute
	DefaultAutoReset      = 2 * time.Minute
	DefaultSnoozeInterval = time.Minute
)

// StateData is the replicated part of a timer.
type StateData struct {
	CurrentTime      time.Time
	Elapsed          time.Duration
	ElapsedIdle      time.Duration
	LastPredReset    time.Time
	TotalOverdue     time.Duration
	LastLimit        time.Time
	LastLimitElapsed time.Duration
	SnoozeInhibited  bool
}

// Timer is a break timer. It counts either activity or idleness and
// reports limit, reset and snooze events. Not safe for concurrent use.
type Timer struct {
	id    string
	clock clock.Clock

	enabled          bool
	limitEnabled     bool
	limit            time.Duration
	autoResetEnabled bool
	autoReset        time.Duration
	predicate        Predicate
	snooze           time.Duration
	activityTimer    bool
	monitor          activity.Reader

	snoozeOnActive  bool
	snoozeInhibited bool
	frozen          bool

	state    RunState
	previous RunState

	elapsed     time.Duration
	elapsedIdle time.Duration

	lastStart        time.Time
	lastStop         time.Time
	lastLimit        time.Time
	lastLimitElapsed time.Duration
	lastReset        time.Time
	lastPredReset    time.Time

	nextLimit     time.Time
	nextReset     time.Time
	nextPredReset time.Time

	totalOverdue time.Duration
}

// New returns a disabled timer with default settings.
func New(id string, c clock.Clock) *Timer {
	if c == nil {
		c = clock.System{}
	}
	return &Timer{
		id:               id,
		clock:            c,
		limitEnabled:     true,
		limit:            DefaultLimit,
		autoResetEnabled: true,
		autoReset:        DefaultAutoReset,
		snooze:           DefaultSnoozeInterval,
		activityTimer:    true,
		snoozeOnActive:   true,
	}
}

func (t *Timer) ID() string { return t.id }

func (t *Timer) Enabled() bool { return t.enabled }

func (t *Timer) State() RunState { return t.state }

// Enable starts the timer in the stopped state. An overdue timer
// immediately snoozes.
func (t *Timer) Enable() {
	if t.enabled {
		return
	}
	t.enabled = true
	t.snoozeInhibited = false
	t.snoozeOnActive = true
	t.StopTimer()

	if t.autoResetEnabled && t.autoReset != 0 && t.Elapsed() == 0 {
		t.elapsedIdle = t.autoReset
	}
	if t.limitEnabled && t.Elapsed() >= t.limit {
		t.lastLimit = t.clock.Now()
		t.lastLimitElapsed = 0
		t.computeNextLimit()
	}
	t.computeNextPredReset()
}

// Disable stops the timer and forgets its schedule.
func (t *Timer) Disable() {
	if !t.enabled {
		return
	}
	t.enabled = false
	t.StopTimer()

	t.lastStart = time.Time{}
	t.lastStop = time.Time{}
	t.lastReset = time.Time{}
	t.nextLimit = time.Time{}
	t.nextReset = time.Time{}
	t.state = Invalid
}

func (t *Timer) SetLimitEnabled(b bool) {
	if t.limitEnabled == b {
		return
	}
	t.limitEnabled = b
	t.computeNextLimit()
}

func (t *Timer) LimitEnabled() bool { return t.limitEnabled }

// SetLimit changes the limit. Raising it above the elapsed time clears a
// previous limit-reached.
func (t *Timer) SetLimit(d time.Duration) {
	t.limit = d
	if t.Elapsed() < d {
		t.lastLimit = time.Time{}
		t.lastLimitElapsed = 0
	}
	t.computeNextLimit()
}

func (t *Timer) Limit() time.Duration { return t.limit }

func (t *Timer) SetAutoResetEnabled(b bool) {
	t.autoResetEnabled = b
	t.computeNextReset()
}

func (t *Timer) AutoResetEnabled() bool { return t.autoResetEnabled }

func (t *Timer) SetAutoReset(d time.Duration) {
	if d > t.autoReset {
		t.snoozeInhibited = false
	}
	t.autoReset = d
	t.computeNextReset()
}

func (t *Timer) AutoReset() time.Duration { return t.autoReset }

// SetAutoResetPredicate installs a predicate that forces resets at fixed
// wall-clock times. nil removes it.
func (t *Timer) SetAutoResetPredicate(p Predicate) {
	t.predicate = p
	t.nextPredReset = time.Time{}
	t.computeNextPredReset()
}

func (t *Timer) AutoResetPredicate() Predicate { return t.predicate }

func (t *Timer) SetSnoozeInterval(d time.Duration) { t.snooze = d }

func (t *Timer) SnoozeInterval() time.Duration { return t.snooze }

// SetActivityTimer selects whether the timer runs while the user is active
// (true) or while the user is idle (false).
func (t *Timer) SetActivityTimer(b bool) { t.activityTimer = b }

func (t *Timer) ActivityTimer() bool { return t.activityTimer }

// SetActivityMonitor makes Process read activity from r instead of its
// argument. nil restores the default.
func (t *Timer) SetActivityMonitor(r activity.Reader) { t.monitor = r }

// InhibitSnooze suppresses repeated limit-reached events until the next reset.
func (t *Timer) InhibitSnooze() { t.snoozeInhibited = true }

// DailyReset clears the overdue counter.
func (t *Timer) DailyReset() { t.totalOverdue = 0 }

// CurrentState lets a running timer act as the activity source of another.
func (t *Timer) CurrentState() activity.State {
	if t.state == Running {
		return activity.Active
	}
	return activity.Idle
}

// StartTimer switches to running. A frozen timer keeps counting idle time.
func (t *Timer) StartTimer() {
	if t.state == Running {
		return
	}
	now := t.clock.Now()
	if !t.frozen {
		t.lastStart = now
		t.elapsedIdle = 0
	} else {
		if !t.lastStop.IsZero() {
			t.elapsedIdle += now.Sub(t.lastStop)
		}
		t.lastStart = time.Time{}
	}
	t.lastStop = time.Time{}
	t.nextReset = time.Time{}
	t.state = Running
	t.computeNextLimit()
}

// StopTimer switches to stopped and folds the running period into the
// elapsed time.
func (t *Timer) StopTimer() {
	if t.state == Stopped {
		return
	}
	t.lastStop = t.clock.Now()
	if !t.lastStart.IsZero() {
		t.elapsed += t.lastStop.Sub(t.lastStart)
	}
	t.lastStart = time.Time{}
	t.state = Stopped
	t.computeNextReset()
	t.computeNextLimit()
}

// ResetTimer zeroes the elapsed time and books any time past the limit as
// overdue.
func (t *Timer) ResetTimer() {
	now := t.clock.Now()
	if elapsed := t.Elapsed(); t.limitEnabled && elapsed > t.limit {
		t.totalOverdue += elapsed - t.limit
	}

	t.elapsed = 0
	t.lastLimit = time.Time{}
	t.lastLimitElapsed = 0
	t.lastReset = now
	t.snoozeInhibited = false
	t.snoozeOnActive = true

	if t.state == Running {
		t.lastStart = now
		t.lastStop = time.Time{}
		t.computeNextLimit()
		t.nextReset = time.Time{}
		t.elapsedIdle = 0
	} else {
		t.lastStart = time.Time{}
		t.nextReset = time.Time{}
		t.nextLimit = time.Time{}
		if t.autoResetEnabled {
			t.elapsedIdle = t.autoReset
		}
	}

	t.nextPredReset = time.Time{}
	t.computeNextPredReset()
}

// SnoozeTimer re-arms the limit snooze interval from now, independent of
// activity.
func (t *Timer) SnoozeTimer() {
	if !t.enabled {
		return
	}
	t.snoozeOnActive = false
	t.lastLimit = t.clock.Now()
	t.computeNextLimit()
}

// FreezeTimer stops a running timer from accumulating active time while
// frozen.
func (t *Timer) FreezeTimer(freeze bool) {
	if t.enabled {
		now := t.clock.Now()
		switch {
		case freeze && !t.frozen:
			if !t.lastStart.IsZero() && t.state == Running {
				t.elapsed += now.Sub(t.lastStart)
				t.lastStart = time.Time{}
			}
		case !freeze && t.frozen:
			if t.state == Running {
				t.lastStart = now
				t.elapsedIdle = 0
				t.computeNextLimit()
			}
		}
	}
	t.frozen = freeze
}

// StopSince stops a running activity timer as of at, so the time since
// then counts as idle. Used when the host slept between two ticks.
func (t *Timer) StopSince(at time.Time) {
	if t.state != Running || !t.activityTimer {
		return
	}
	if !t.lastStart.IsZero() {
		if at.Before(t.lastStart) {
			at = t.lastStart
		}
		t.elapsed += at.Sub(t.lastStart)
	}
	t.lastStart = time.Time{}
	t.lastStop = at
	t.state = Stopped
	t.computeNextReset()
	t.computeNextLimit()
}

// ShiftTime moves every pending timestamp by d after the wall clock jumped.
func (t *Timer) ShiftTime(d time.Duration) {
	t.lastStart = shift(t.lastStart, d)
	t.lastStop = shift(t.lastStop, d)
	t.lastLimit = shift(t.lastLimit, d)
	t.lastReset = shift(t.lastReset, d)
	t.nextLimit = shift(t.nextLimit, d)
	t.nextReset = shift(t.nextReset, d)
}

// Elapsed returns the active time counted since the last reset.
func (t *Timer) Elapsed() time.Duration {
	d := t.elapsed
	if t.enabled && !t.lastStart.IsZero() {
		d += t.clock.Now().Sub(t.lastStart)
	}
	return d
}

// ElapsedIdle returns the idle time counted since the timer stopped.
func (t *Timer) ElapsedIdle() time.Duration {
	d := t.elapsedIdle
	if t.enabled && !t.lastStop.IsZero() {
		d += t.clock.Now().Sub(t.lastStop)
	}
	return d
}

// TotalOverdue returns the overdue time booked since the last daily reset,
// including the current excess.
func (t *Timer) TotalOverdue() time.Duration {
	d := t.totalOverdue
	if elapsed := t.Elapsed(); t.limitEnabled && elapsed > t.limit {
		d += elapsed - t.limit
	}
	return d
}

func (t *Timer) NextLimitTime() time.Time { return t.nextLimit }

func (t *Timer) NextResetTime() time.Time { return t.nextReset }

func (t *Timer) NextPredicateResetTime() time.Time { return t.nextPredReset }

func (t *Timer) LastLimitTime() time.Time { return t.lastLimit }

func (t *Timer) computeNextLimit() {
	t.nextLimit = time.Time{}
	if !t.enabled {
		return
	}
	switch {
	case !t.lastLimit.IsZero() && !t.snoozeOnActive:
		if !t.snoozeInhibited {
			t.nextLimit = t.lastLimit.Add(t.snooze)
		}
	case t.state == Running && !t.lastStart.IsZero() && t.limitEnabled && t.limit != 0:
		if !t.lastLimit.IsZero() {
			if t.snoozeOnActive && !t.snoozeInhibited {
				t.nextLimit = t.lastStart.Add(-t.elapsed + t.lastLimitElapsed + t.snooze)
			}
		} else {
			t.nextLimit = t.lastStart.Add(t.limit - t.elapsed)
		}
	}
}

func (t *Timer) computeNextReset() {
	t.nextReset = time.Time{}
	if !t.enabled || t.state != Stopped || t.lastStop.IsZero() || !t.autoResetEnabled || t.autoReset == 0 {
		return
	}
	next := t.lastStop.Add(t.autoReset - t.elapsedIdle)
	if !next.After(t.lastReset) {
		return
	}
	t.nextReset = next
}

// computeNextPredReset runs even when the timer is disabled.
func (t *Timer) computeNextPredReset() {
	if t.predicate == nil {
		return
	}
	if t.lastPredReset.IsZero() {
		t.lastPredReset = t.clock.Now()
	}
	t.nextPredReset = t.predicate.Next(t.lastPredReset)
}

// Process advances the timer by one tick with the given activity reading
// and resolves at most one event.
func (t *Timer) Process(state activity.State) Info {
	now := t.clock.Now()
	info := Info{
		ElapsedTime: t.Elapsed(),
		IdleTime:    t.ElapsedIdle(),
	}

	if t.monitor != nil {
		state = t.monitor.CurrentState()
	}
	active := state == activity.Active
	if !t.activityTimer {
		active = !active
	}

	if t.enabled {
		if active && t.state != Running {
			t.StartTimer()
		} else if !active && t.state == Running {
			t.StopTimer()
		}
	}

	switch {
	case !t.nextPredReset.IsZero() && !now.Before(t.nextPredReset):
		t.ResetTimer()
		t.lastPredReset = now
		t.nextPredReset = time.Time{}
		t.computeNextPredReset()
		info.Event = EventReset

	case !t.nextLimit.IsZero() && !now.Before(t.nextLimit):
		t.nextLimit = time.Time{}
		t.lastLimit = now
		t.lastLimitElapsed = t.Elapsed()
		t.snoozeOnActive = true
		t.computeNextLimit()
		info.Event = EventLimitReached

	case !t.nextReset.IsZero() && !now.Before(t.nextReset):
		t.nextReset = time.Time{}
		natural := t.limitEnabled && t.limit >= t.Elapsed()
		t.ResetTimer()
		if natural {
			info.Event = EventNaturalReset
		} else {
			info.Event = EventReset
		}

	case t.state == Running && t.previous != Running:
		info.Event = EventStarted

	case t.state == Stopped && t.previous == Running:
		info.Event = EventStopped
	}

	t.previous = t.state
	return info
}

// SerializeState renders "<id> <save_time> <elapsed> <last_pred_reset>
// <total_overdue>" in Unix seconds.
func (t *Timer) SerializeState() string {
	return fmt.Sprintf("%s %d %d %d %d",
		t.id,
		t.clock.Now().Unix(),
		seconds(t.Elapsed()),
		unixOrZero(t.lastPredReset),
		seconds(t.totalOverdue),
	)
}

// DeserializeState restores a record written by SerializeState. The leading
// id is optional: a five-field record or a non-numeric first field carries
// one. Records older than the auto-reset interval keep only the predicate
// and overdue bookkeeping. Garbled numbers read as zero.
func (t *Timer) DeserializeState(record string) {
	fields := strings.Fields(record)
	if len(fields) >= 5 {
		fields = fields[1:]
	} else if len(fields) > 0 {
		if _, err := strconv.ParseInt(fields[0], 10, 64); err != nil {
			fields = fields[1:]
		}
	}
	field := func(i int) int64 {
		if i >= len(fields) {
			return 0
		}
		v, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil || v < 0 {
			return 0
		}
		return v
	}

	now := t.clock.Now()
	saveTime := field(0)
	elapsed := field(1)
	lastPred := field(2)
	overdue := field(3)
	if lastPred > saveTime {
		lastPred = saveTime
	}

	t.lastPredReset = fromUnix(lastPred)
	t.totalOverdue = time.Duration(overdue) * time.Second
	t.elapsed = 0
	t.lastStart = time.Time{}
	t.lastStop = time.Time{}

	age := now.Sub(time.Unix(saveTime, 0))
	tooOld := t.autoResetEnabled && t.autoReset != 0 && age > t.autoReset
	if !tooOld {
		if t.autoResetEnabled {
			t.nextReset = now.Add(t.autoReset)
		}
		t.elapsed = time.Duration(elapsed) * time.Second
	}

	if t.limitEnabled && t.Elapsed() >= t.limit {
		t.lastLimit = now
		t.lastLimitElapsed = 0
		t.computeNextLimit()
	}
	t.computeNextPredReset()
}

// StateData captures the replicated state at the current time.
func (t *Timer) StateData() StateData {
	return StateData{
		CurrentTime:      t.clock.Now(),
		Elapsed:          t.Elapsed(),
		ElapsedIdle:      t.ElapsedIdle(),
		LastPredReset:    t.lastPredReset,
		TotalOverdue:     t.totalOverdue,
		LastLimit:        t.lastLimit,
		LastLimitElapsed: t.lastLimitElapsed,
		SnoozeInhibited:  t.snoozeInhibited,
	}
}

// SetStateData adopts replicated state. Absolute times are shifted by the
// difference between the sender's and the local clock.
func (t *Timer) SetStateData(d StateData) {
	now := t.clock.Now()
	diff := now.Sub(d.CurrentTime)

	t.elapsed = d.Elapsed
	t.elapsedIdle = d.ElapsedIdle
	t.totalOverdue = d.TotalOverdue
	t.lastLimitElapsed = d.LastLimitElapsed
	t.snoozeInhibited = d.SnoozeInhibited
	t.lastPredReset = shift(d.LastPredReset, diff)
	t.lastLimit = shift(d.LastLimit, diff)

	t.lastStart = time.Time{}
	t.lastStop = time.Time{}
	switch t.state {
	case Running:
		t.lastStart = now
	case Stopped:
		t.lastStop = now
	}

	t.computeNextLimit()
	t.computeNextReset()
	t.nextPredReset = time.Time{}
	t.computeNextPredReset()
}

func shift(ts time.Time, d time.Duration) time.Time {
	if ts.IsZero() {
		return ts
	}
	return ts.Add(d)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
