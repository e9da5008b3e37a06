package activity

import (
	"math"
	"sync"
	"time"

	"breaksync/internal/clock"
)

// State is the coarse activity reading of a monitor.
type State int

const (
	Unknown State = iota
	Suspended
	Idle
	Noise
	Active
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Idle:
		return "idle"
	case Noise:
		return "noise"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

const (
	DefaultNoiseThreshold    = time.Second
	DefaultActivityThreshold = 2 * time.Second
	DefaultIdleThreshold     = 5 * time.Second

	// mouseSensitivity is the minimum pointer travel, in pixels, on at
	// least one axis before a move counts as activity.
	mouseSensitivity = 3
)

// Reader reports a current activity state.
type Reader interface {
	CurrentState() State
}

// Statistics accumulates input usage until reset.
type Statistics struct {
	TotalMovement      int           `yaml:"total_movement"`
	TotalClickMovement int           `yaml:"total_click_movement"`
	TotalMovementTime  time.Duration `yaml:"total_movement_time"`
	TotalClicks        int           `yaml:"total_clicks"`
	TotalKeystrokes    int           `yaml:"total_keystrokes"`
}

// Listener is called after every notified action. Returning false
// unregisters it.
type Listener func() bool

// Monitor turns raw input events into a debounced activity state.
// Input callbacks may arrive on any goroutine.
type Monitor struct {
	mu    sync.Mutex
	clock clock.Clock

	state State

	noiseThreshold    time.Duration
	activityThreshold time.Duration
	idleThreshold     time.Duration

	firstAction time.Time
	lastAction  time.Time

	havePointer  bool
	prevX, prevY int
	moveX, moveY int
	buttonDown   bool
	haveClick    bool
	clickX       int
	clickY       int

	lastMouse time.Time
	stats     Statistics

	listener Listener
}

// NewMonitor returns an idle monitor with default thresholds.
func NewMonitor(c clock.Clock) *Monitor {
	if c == nil {
		c = clock.System{}
	}
	return &Monitor{
		clock:             c,
		state:             Idle,
		noiseThreshold:    DefaultNoiseThreshold,
		activityThreshold: DefaultActivityThreshold,
		idleThreshold:     DefaultIdleThreshold,
	}
}

// SetParameters replaces the thresholds and drops back to idle.
func (m *Monitor) SetParameters(noise, activity, idle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noiseThreshold = noise
	m.activityThreshold = activity
	m.idleThreshold = idle
	if m.state != Suspended {
		m.state = Idle
	}
}

// Parameters returns the noise, activity and idle thresholds.
func (m *Monitor) Parameters() (noise, activity, idle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noiseThreshold, m.activityThreshold, m.idleThreshold
}

// SetListener registers the single action listener. nil clears it.
func (m *Monitor) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// MouseNotify reports a pointer position and wheel movement. Travel below
// the sensitivity counts only while a button is held.
func (m *Monitor) MouseNotify(x, y, wheelDelta int) {
	m.mu.Lock()
	dx, dy := x-m.prevX, y-m.prevY
	moved := !m.havePointer || abs(dx) >= mouseSensitivity || abs(dy) >= mouseSensitivity
	m.prevX, m.prevY = x, y
	if !moved && wheelDelta == 0 && !m.buttonDown {
		m.havePointer = true
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	if m.havePointer && moved {
		m.stats.TotalMovement += distance(x-m.moveX, y-m.moveY)
	}
	if moved {
		m.moveX, m.moveY = x, y
	}
	m.havePointer = true

	if !m.lastMouse.IsZero() {
		if gap := now.Sub(m.lastMouse); gap >= 0 && gap < time.Second {
			m.stats.TotalMovementTime += gap
		}
	}
	m.lastMouse = now
	m.actionLocked(now)
	l := m.listener
	m.mu.Unlock()

	m.notify(l)
}

// ButtonNotify reports a button press or release. Only presses are
// actions.
func (m *Monitor) ButtonNotify(mask int, pressed bool) {
	_ = mask
	m.mu.Lock()
	m.buttonDown = pressed
	if !pressed {
		m.mu.Unlock()
		return
	}
	if m.haveClick && m.havePointer {
		m.stats.TotalClickMovement += distance(m.clickX-m.prevX, m.clickY-m.prevY)
	}
	if m.havePointer {
		m.haveClick = true
		m.clickX, m.clickY = m.prevX, m.prevY
	}
	m.stats.TotalClicks++
	m.actionLocked(m.clock.Now())
	l := m.listener
	m.mu.Unlock()

	m.notify(l)
}

// KeyboardNotify reports a key press.
func (m *Monitor) KeyboardNotify(code, modifier int) {
	_, _ = code, modifier
	m.mu.Lock()
	m.stats.TotalKeystrokes++
	m.actionLocked(m.clock.Now())
	l := m.listener
	m.mu.Unlock()

	m.notify(l)
}

// ActionNotify reports generic user activity.
func (m *Monitor) ActionNotify() {
	m.mu.Lock()
	m.actionLocked(m.clock.Now())
	l := m.listener
	m.mu.Unlock()

	m.notify(l)
}

func (m *Monitor) actionLocked(now time.Time) {
	switch m.state {
	case Idle:
		m.firstAction = now
		if m.activityThreshold == 0 {
			m.state = Active
		} else {
			m.state = Noise
		}
	case Noise:
		if now.Sub(m.lastAction) > m.noiseThreshold {
			m.firstAction = now
		} else if now.Sub(m.firstAction) >= m.activityThreshold {
			m.state = Active
		}
	}
	m.lastAction = now
}

func (m *Monitor) notify(l Listener) {
	if l == nil {
		return
	}
	if !l() {
		m.mu.Lock()
		m.listener = nil
		m.mu.Unlock()
	}
}

// Suspend marks the host as suspended until Resume.
func (m *Monitor) Suspend() {
	m.mu.Lock()
	m.state = Suspended
	m.mu.Unlock()
}

// Resume leaves the suspended state. It is a no-op otherwise.
func (m *Monitor) Resume() {
	m.mu.Lock()
	if m.state == Suspended {
		m.state = Idle
	}
	m.mu.Unlock()
}

// ForceIdle drops any ongoing activity.
func (m *Monitor) ForceIdle() {
	m.mu.Lock()
	if m.state != Suspended {
		m.state = Idle
	}
	m.mu.Unlock()
}

// CurrentState returns the activity state, expiring Active into Idle once
// the idle threshold has passed since the last action.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Active && m.clock.Now().Sub(m.lastAction) > m.idleThreshold {
		m.state = Idle
	}
	return m.state
}

// Statistics returns a copy of the usage counters.
func (m *Monitor) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// SetStatistics restores previously saved counters.
func (m *Monitor) SetStatistics(s Statistics) {
	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}

// ResetStatistics zeroes the usage counters.
func (m *Monitor) ResetStatistics() {
	m.mu.Lock()
	m.stats = Statistics{}
	m.mu.Unlock()
}

// ShiftTime moves every stored timestamp by delta.
func (m *Monitor) ShiftTime(delta time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range []*time.Time{&m.firstAction, &m.lastAction, &m.lastMouse} {
		if !t.IsZero() {
			*t = t.Add(delta)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func distance(dx, dy int) int {
	return int(math.Sqrt(float64(dx*dx + dy*dy)))
}
