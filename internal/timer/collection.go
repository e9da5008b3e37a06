package timer

import (
	"fmt"
	"strings"
	"time"

	"breaksync/internal/activity"
	"breaksync/internal/wire"
)

// Result pairs a timer with the outcome of its last Process call.
type Result struct {
	ID   string
	Info Info
}

// Collection holds the timers of one node in a fixed order. It is the
// replication handler for wire.StateTimers.
type Collection struct {
	timers []*Timer
	byID   map[string]*Timer
}

func NewCollection(timers ...*Timer) *Collection {
	c := &Collection{byID: make(map[string]*Timer)}
	for _, t := range timers {
		c.Add(t)
	}
	return c
}

// Add appends t, replacing a timer with the same id.
func (c *Collection) Add(t *Timer) {
	if old, ok := c.byID[t.ID()]; ok {
		for i, cur := range c.timers {
			if cur == old {
				c.timers[i] = t
			}
		}
	} else {
		c.timers = append(c.timers, t)
	}
	c.byID[t.ID()] = t
}

func (c *Collection) Get(id string) (*Timer, bool) {
	t, ok := c.byID[id]
	return t, ok
}

func (c *Collection) Timers() []*Timer {
	out := make([]*Timer, len(c.timers))
	copy(out, c.timers)
	return out
}

func (c *Collection) Len() int { return len(c.timers) }

// Process runs every timer once, in order, with the same activity reading.
func (c *Collection) Process(state activity.State) []Result {
	out := make([]Result, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, Result{ID: t.ID(), Info: t.Process(state)})
	}
	return out
}

func (c *Collection) DailyReset() {
	for _, t := range c.timers {
		t.DailyReset()
	}
}

func (c *Collection) FreezeAll(freeze bool) {
	for _, t := range c.timers {
		t.FreezeTimer(freeze)
	}
}

func (c *Collection) StopSince(at time.Time) {
	for _, t := range c.timers {
		t.StopSince(at)
	}
}

func (c *Collection) ShiftTime(d time.Duration) {
	for _, t := range c.timers {
		t.ShiftTime(d)
	}
}

// SerializeState returns one SerializeState line per timer.
func (c *Collection) SerializeState() []string {
	out := make([]string, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.SerializeState())
	}
	return out
}

// DeserializeState feeds each line to the timer named by its first field.
// Lines for unknown timers are ignored. It returns the number applied.
func (c *Collection) DeserializeState(lines []string) int {
	applied := 0
	for _, line := range lines {
		id, rest, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		if t, found := c.byID[id]; found {
			t.DeserializeState(rest)
			applied++
		}
	}
	return applied
}

// GetState encodes the replicated state of every timer.
func (c *Collection) GetState() ([]byte, error) {
	e := wire.NewEncoder(32 * (len(c.timers) + 1))
	e.PutU16(uint16(len(c.timers)))
	for _, t := range c.timers {
		d := t.StateData()
		e.PutString(t.ID())
		pos := e.Mark()
		e.PutU32(uint32(d.CurrentTime.Unix()))
		e.PutU32(uint32(seconds(d.Elapsed)))
		e.PutU32(uint32(seconds(d.ElapsedIdle)))
		e.PutU32(uint32(unixOrZero(d.LastPredReset)))
		e.PutU32(uint32(seconds(d.TotalOverdue)))
		e.PutU32(uint32(unixOrZero(d.LastLimit)))
		e.PutU32(uint32(seconds(d.LastLimitElapsed)))
		e.PutBool(d.SnoozeInhibited)
		e.Patch(pos)
	}
	return e.Bytes()
}

// SetState applies a blob produced by GetState. Unknown ids are skipped.
func (c *Collection) SetState(data []byte, becameMaster bool) error {
	_ = becameMaster
	d := wire.NewDecoder(data)
	count := int(d.U16())
	for i := 0; i < count; i++ {
		id := d.Str()
		size := int(d.U16())
		rec := d.Sub(size - 2)
		if d.Err() != nil {
			return fmt.Errorf("decode timer state: %w", d.Err())
		}
		t, ok := c.byID[id]
		if !ok {
			continue
		}
		sd := StateData{
			CurrentTime:   time.Unix(int64(rec.U32()), 0),
			Elapsed:       time.Duration(rec.U32()) * time.Second,
			ElapsedIdle:   time.Duration(rec.U32()) * time.Second,
			LastPredReset: fromUnix(int64(rec.U32())),
			TotalOverdue:  time.Duration(rec.U32()) * time.Second,
		}
		if rec.Err() != nil {
			return fmt.Errorf("decode timer %s: %w", id, rec.Err())
		}
		if rec.Remaining() >= 9 {
			sd.LastLimit = fromUnix(int64(rec.U32()))
			sd.LastLimitElapsed = time.Duration(rec.U32()) * time.Second
			sd.SnoozeInhibited = rec.Bool()
		}
		t.SetStateData(sd)
	}
	return d.Err()
}
