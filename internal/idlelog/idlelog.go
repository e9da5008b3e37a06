package idlelog

import (
	"fmt"
	"sort"
	"time"

	"breaksync/internal/activity"
	"breaksync/internal/clock"
	"breaksync/internal/wire"
)

const (
	// MergeThreshold is the shortest idle interval kept when activity resumes.
	MergeThreshold = 10 * time.Second

	MaxIntervals   = 4000
	MaxAge         = 12 * time.Hour
	expireInterval = 30 * time.Minute
)

// longAgo opens the first interval of a new client: it has been idle forever.
var longAgo = time.Unix(1, 0)

// Interval is one idle period and the active time that followed it.
type Interval struct {
	Begin      time.Time
	End        time.Time
	ActiveTime time.Duration
}

// ClientInfo is the idle history of one node. Log is newest first and never
// empty.
type ClientInfo struct {
	ID              string
	Log             []Interval
	State           activity.State
	Master          bool
	TotalActiveTime time.Duration
	LastActiveBegin time.Time
	LastActiveTime  time.Duration

	lastUpdate time.Time
}

// update books the time since the previous update as active when the
// client was active.
func (ci *ClientInfo) update(now time.Time) {
	if ci.State == activity.Active && !ci.lastUpdate.IsZero() {
		if d := now.Sub(ci.lastUpdate); d > 0 {
			ci.TotalActiveTime += d
			ci.Log[0].ActiveTime += d
		}
	}
	ci.lastUpdate = now
}

func (ci *ClientInfo) clone() ClientInfo {
	out := *ci
	out.Log = append([]Interval(nil), ci.Log...)
	return out
}

// Manager tracks the idle history of every known client. Not safe for
// concurrent use.
type Manager struct {
	myID       string
	clock      clock.Clock
	clients    map[string]*ClientInfo
	nextExpire time.Time
}

func New(myID string, c clock.Clock) *Manager {
	if c == nil {
		c = clock.System{}
	}
	m := &Manager{
		myID:    myID,
		clock:   c,
		clients: make(map[string]*ClientInfo),
	}
	m.addClient(myID, c.Now())
	return m
}

func (m *Manager) MyID() string { return m.myID }

func (m *Manager) addClient(id string, now time.Time) *ClientInfo {
	ci := &ClientInfo{
		ID:         id,
		Log:        []Interval{{Begin: longAgo, End: now}},
		State:      activity.Idle,
		lastUpdate: now,
	}
	m.clients[id] = ci
	return ci
}

// ids returns client ids in a stable order.
func (m *Manager) ids() []string {
	out := make([]string, 0, len(m.clients))
	for id := range m.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpdateAll advances every client by one tick. Only masterID may be active;
// every other client is recorded as idle.
func (m *Manager) UpdateAll(masterID string, state activity.State) {
	now := m.clock.Now()
	if state != activity.Active {
		state = activity.Idle
	}
	for _, id := range m.ids() {
		ci := m.clients[id]
		st := activity.Idle
		master := id == masterID
		if master {
			st = state
		}
		m.updateClient(ci, st, master, now)
	}
	m.expire(now)
}

func (m *Manager) updateClient(ci *ClientInfo, state activity.State, master bool, now time.Time) {
	ci.update(now)
	changed := state != ci.State

	switch state {
	case activity.Idle:
		if changed {
			ci.Log = append([]Interval{{Begin: now, End: now}}, ci.Log...)
		} else {
			ci.Log[0].End = now
		}
	case activity.Active:
		if changed {
			ci.Log[0].End = now
			if ci.Log[0].End.Sub(ci.Log[0].Begin) < MergeThreshold && len(ci.Log) > 1 {
				ci.Log = ci.Log[1:]
			}
			ci.LastActiveTime = 0
			ci.LastActiveBegin = now
		} else if !ci.LastActiveBegin.IsZero() {
			ci.LastActiveTime = now.Sub(ci.LastActiveBegin)
		}
	}
	ci.State = state
	ci.Master = master
}

func (m *Manager) expire(now time.Time) {
	if m.nextExpire.IsZero() {
		m.nextExpire = now.Add(expireInterval)
		return
	}
	if now.Before(m.nextExpire) {
		return
	}
	m.nextExpire = now.Add(expireInterval)
	cutoff := now.Add(-MaxAge)
	for _, ci := range m.clients {
		if len(ci.Log) > MaxIntervals {
			ci.Log = ci.Log[:MaxIntervals]
		}
		n := len(ci.Log)
		for n > 1 && ci.Log[n-1].End.Before(cutoff) {
			n--
		}
		ci.Log = ci.Log[:n]
	}
}

// Reset clears the active time totals. Called on the daily reset.
func (m *Manager) Reset() {
	now := m.clock.Now()
	for _, ci := range m.clients {
		ci.update(now)
		ci.TotalActiveTime = 0
	}
}

// ComputeTotalActiveTime sums the active time of all clients since the
// last Reset.
func (m *Manager) ComputeTotalActiveTime() time.Duration {
	now := m.clock.Now()
	var total time.Duration
	for _, ci := range m.clients {
		ci.update(now)
		total += ci.TotalActiveTime
	}
	return total
}

// ComputeActiveTime returns the active time, over all clients, since the
// most recent period longer than length in which every client was idle.
func (m *Manager) ComputeActiveTime(length time.Duration) time.Duration {
	now := m.clock.Now()
	ids := m.ids()
	size := len(ids)

	logs := make([][]Interval, size)
	pos := make([]int, size)
	atEnd := make([]bool, size)
	active := make([]time.Duration, size)
	for i, id := range ids {
		ci := m.clients[id]
		ci.update(now)
		logs[i] = ci.Log
		atEnd[i] = true
	}

	idleCount := 0
	var endIdle time.Time
	for {
		last := -1
		var lastTime time.Time
		for i := 0; i < size; i++ {
			if pos[i] >= len(logs[i]) {
				continue
			}
			iv := logs[i][pos[i]]
			t := iv.Begin
			if atEnd[i] {
				t = iv.End
			}
			if last == -1 || t.After(lastTime) {
				last, lastTime = i, t
			}
		}
		if last == -1 {
			break
		}

		iv := logs[last][pos[last]]
		if atEnd[last] {
			idleCount++
			atEnd[last] = false
			active[last] += iv.ActiveTime
			endIdle = iv.End
			continue
		}

		atEnd[last] = true
		pos[last]++
		if idleCount == size && endIdle.Sub(iv.Begin) > length {
			break
		}
		idleCount--
	}

	var total time.Duration
	for _, d := range active {
		total += d
	}
	return total
}

// ComputeIdleTime returns how long every client has been idle together, or
// zero while any client is active.
func (m *Manager) ComputeIdleTime() time.Duration {
	now := m.clock.Now()
	var latest time.Time
	for _, ci := range m.clients {
		ci.update(now)
		if ci.State == activity.Active {
			return 0
		}
		if ci.Log[0].Begin.After(latest) {
			latest = ci.Log[0].Begin
		}
	}
	if latest.IsZero() {
		return 0
	}
	return now.Sub(latest)
}

// SignonRemoteClient registers a client that joined the mesh.
func (m *Manager) SignonRemoteClient(id string) {
	if _, ok := m.clients[id]; ok {
		return
	}
	m.addClient(id, m.clock.Now())
}

// SignoffRemoteClient records that a client left: it is idle and not master.
func (m *Manager) SignoffRemoteClient(id string) {
	ci, ok := m.clients[id]
	if !ok || id == m.myID {
		return
	}
	m.updateClient(ci, activity.Idle, false, m.clock.Now())
}

// Prune drops remote clients whose history ended more than maxAge ago and
// returns their ids.
func (m *Manager) Prune(maxAge time.Duration) []string {
	cutoff := m.clock.Now().Add(-maxAge)
	var removed []string
	for _, id := range m.ids() {
		if id == m.myID {
			continue
		}
		ci := m.clients[id]
		if ci.State != activity.Active && ci.Log[0].End.Before(cutoff) {
			delete(m.clients, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Clients returns a copy of every client, ordered by id.
func (m *Manager) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, len(m.clients))
	for _, id := range m.ids() {
		out = append(out, m.clients[id].clone())
	}
	return out
}

func (m *Manager) Client(id string) (ClientInfo, bool) {
	ci, ok := m.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	return ci.clone(), true
}

// IdleLog encodes every client's history for transfer.
func (m *Manager) IdleLog() ([]byte, error) {
	now := m.clock.Now()
	e := wire.NewEncoder(256)
	e.PutU16(uint16(len(m.clients)))
	for _, id := range m.ids() {
		ci := m.clients[id]
		ci.update(now)

		log := ci.Log
		if len(log) > MaxIntervals {
			log = log[:MaxIntervals]
		}

		pos := e.Mark()
		e.PutString(ci.ID)
		e.PutU32(uint32(ci.TotalActiveTime / time.Second))
		e.PutU32(uint32(now.Unix()))
		e.PutBool(ci.Master)
		e.PutU8(uint8(ci.State))
		e.PutU16(uint16(len(log)))
		for _, iv := range log {
			e.PutU32(uint32(iv.Begin.Unix()))
			e.PutU32(uint32(iv.End.Unix()))
			e.PutU32(uint32(iv.ActiveTime / time.Second))
		}
		e.Patch(pos)
	}
	return e.Bytes()
}

// SetIdleLog merges a blob from IdleLog. Remote clients are created or
// replaced; the local client is never overwritten. A corrupt client record
// is skipped.
func (m *Manager) SetIdleLog(data []byte) error {
	now := m.clock.Now()
	d := wire.NewDecoder(data)
	count := int(d.U16())
	var firstErr error
	for i := 0; i < count; i++ {
		size := int(d.U16())
		rec := d.Sub(size - 2)
		if d.Err() != nil {
			return fmt.Errorf("decode idle log: %w", d.Err())
		}
		ci, err := decodeClient(rec, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ci.ID == m.myID || ci.ID == "" {
			continue
		}
		m.clients[ci.ID] = ci
	}
	return firstErr
}

func decodeClient(d *wire.Decoder, now time.Time) (*ClientInfo, error) {
	ci := &ClientInfo{
		ID:              d.Str(),
		TotalActiveTime: time.Duration(d.U32()) * time.Second,
	}
	packTime := int64(d.U32())
	ci.Master = d.Bool()
	ci.State = activity.State(d.U8())
	n := int(d.U16())
	if d.Err() != nil {
		return nil, fmt.Errorf("decode idle log client: %w", d.Err())
	}

	diff := now.Unix() - packTime
	for j := 0; j < n; j++ {
		iv := Interval{
			Begin:      shiftUnix(int64(d.U32()), diff),
			End:        shiftUnix(int64(d.U32()), diff),
			ActiveTime: time.Duration(d.U32()) * time.Second,
		}
		if d.Err() != nil {
			return nil, fmt.Errorf("decode idle log %s: %w", ci.ID, d.Err())
		}
		ci.Log = append(ci.Log, iv)
	}
	if len(ci.Log) == 0 {
		ci.Log = []Interval{{Begin: longAgo, End: now}}
	}
	if ci.State == activity.Active {
		ci.LastActiveBegin = now
	}
	ci.lastUpdate = now
	return ci, nil
}

func shiftUnix(v, diff int64) time.Time {
	if v <= longAgo.Unix() {
		return longAgo
	}
	return time.Unix(v+diff, 0)
}

// GetState implements the replication handler for wire.StateIdleLog.
func (m *Manager) GetState() ([]byte, error) {
	return m.IdleLog()
}

func (m *Manager) SetState(data []byte, becameMaster bool) error {
	_ = becameMaster
	return m.SetIdleLog(data)
}
