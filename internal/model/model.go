package model

import "time"

// DayStats is the usage record of one calendar day.
type DayStats struct {
	Day           string        `json:"day"` // YYYY-MM-DD, local time
	ActiveTime    time.Duration `json:"active_time"`
	Movement      int           `json:"movement"`
	ClickMovement int           `json:"click_movement"`
	MovementTime  time.Duration `json:"movement_time"`
	Clicks        int           `json:"clicks"`
	Keystrokes    int           `json:"keystrokes"`
	Timers        []TimerDay    `json:"timers,omitempty"`
}

// TimerDay counts the break events of one timer on one day.
type TimerDay struct {
	TimerID       string        `json:"timer_id"`
	Prompts       int           `json:"prompts"`
	NaturalResets int           `json:"natural_resets"`
	Resets        int           `json:"resets"`
	Overdue       time.Duration `json:"overdue"`
}

// Prompts sums the limit-reached events of all timers.
func (d DayStats) Prompts() int {
	n := 0
	for _, t := range d.Timers {
		n += t.Prompts
	}
	return n
}

// BreaksTaken sums natural and explicit resets of all timers.
func (d DayStats) BreaksTaken() int {
	n := 0
	for _, t := range d.Timers {
		n += t.NaturalResets + t.Resets
	}
	return n
}

// Overdue sums the overdue time of all timers.
func (d DayStats) Overdue() time.Duration {
	var total time.Duration
	for _, t := range d.Timers {
		total += t.Overdue
	}
	return total
}

// Status is the snapshot served by the control endpoint.
type Status struct {
	Name          string        `json:"name"`
	ID            string        `json:"id"`
	NodeID        string        `json:"node_id"`
	Distribution  string        `json:"distribution"` // active|passive|standby
	Enabled       bool          `json:"enabled"`
	Master        string        `json:"master,omitempty"`
	IsMaster      bool          `json:"is_master"`
	StateComplete bool          `json:"state_complete"`
	Activity      string        `json:"activity"`
	Advertise     string        `json:"advertise,omitempty"`
	Timers        []TimerStatus `json:"timers"`
	Peers         []PeerStatus  `json:"peers"`
	Configured    []string      `json:"configured_peers"`
	Clients       []ClientState `json:"clients"`
	Logs          []string      `json:"logs,omitempty"`
}

// TimerStatus describes one break timer.
type TimerStatus struct {
	ID        string        `json:"id"`
	Enabled   bool          `json:"enabled"`
	State     string        `json:"state"`
	Elapsed   time.Duration `json:"elapsed"`
	Idle      time.Duration `json:"idle"`
	Limit     time.Duration `json:"limit"`
	Overdue   time.Duration `json:"overdue"`
	NextLimit time.Time     `json:"next_limit,omitempty"`
}

// PeerStatus describes one link peer.
type PeerStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Inbound  bool   `json:"inbound"`
	IsMaster bool   `json:"is_master"`
}

// ClientState is the idle log view of one node.
type ClientState struct {
	ID         string        `json:"id"`
	State      string        `json:"state"`
	Master     bool          `json:"master"`
	ActiveTime time.Duration `json:"active_time"`
}
