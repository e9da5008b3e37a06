package idlelog

import (
	"testing"
	"time"

	"breaksync/internal/activity"
	"breaksync/internal/clock"
	"breaksync/internal/wire"
)

func newTestManager(id string) (*Manager, *clock.Manual) {
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	return New(id, c), c
}

// twoClientSession: "a" works 100s, both idle 600s, then "b" works 50s.
func twoClientSession(t *testing.T) (*Manager, *clock.Manual) {
	t.Helper()

	m, c := newTestManager("a")
	m.SignonRemoteClient("b")

	m.UpdateAll("a", activity.Active)
	c.Advance(100 * time.Second)
	m.UpdateAll("a", activity.Active)
	m.UpdateAll("a", activity.Idle)

	c.Advance(600 * time.Second)
	m.UpdateAll("a", activity.Idle)
	if got := m.ComputeIdleTime(); got != 600*time.Second {
		t.Fatalf("idle=%v", got)
	}

	m.UpdateAll("b", activity.Active)
	c.Advance(50 * time.Second)
	m.UpdateAll("b", activity.Active)
	return m, c
}

func TestManager_CommonIdleWindow(t *testing.T) {
	t.Parallel()

	m, _ := twoClientSession(t)

	if got := m.ComputeTotalActiveTime(); got != 150*time.Second {
		t.Fatalf("total=%v", got)
	}
	if got := m.ComputeActiveTime(5 * time.Minute); got != 50*time.Second {
		t.Fatalf("active since gap=%v", got)
	}
	if got := m.ComputeActiveTime(time.Hour); got != 150*time.Second {
		t.Fatalf("active without long gap=%v", got)
	}
	if got := m.ComputeIdleTime(); got != 0 {
		t.Fatalf("idle while active=%v", got)
	}
}

func TestManager_OnlyMasterIsActive(t *testing.T) {
	t.Parallel()

	m, c := newTestManager("a")
	m.SignonRemoteClient("b")
	m.UpdateAll("b", activity.Active)
	c.Advance(10 * time.Second)
	m.UpdateAll("b", activity.Active)

	a, _ := m.Client("a")
	b, _ := m.Client("b")
	if a.State != activity.Idle || a.Master {
		t.Fatalf("a=%+v", a)
	}
	if b.State != activity.Active || !b.Master {
		t.Fatalf("b=%+v", b)
	}
	if b.LastActiveTime != 10*time.Second {
		t.Fatalf("last_active=%v", b.LastActiveTime)
	}
}

func TestManager_NoiseCountsAsIdle(t *testing.T) {
	t.Parallel()

	m, c := newTestManager("a")
	m.UpdateAll("a", activity.Noise)
	c.Advance(time.Minute)
	m.UpdateAll("a", activity.Noise)
	if got := m.ComputeTotalActiveTime(); got != 0 {
		t.Fatalf("total=%v", got)
	}
}

func TestManager_ShortIdleMerged(t *testing.T) {
	t.Parallel()

	m, c := newTestManager("a")
	m.UpdateAll("a", activity.Active)
	c.Advance(10 * time.Second)
	m.UpdateAll("a", activity.Idle)
	c.Advance(5 * time.Second)
	m.UpdateAll("a", activity.Active)

	a, _ := m.Client("a")
	if len(a.Log) != 1 {
		t.Fatalf("log=%+v", a.Log)
	}

	c.Advance(5 * time.Second)
	m.UpdateAll("a", activity.Idle)
	c.Advance(MergeThreshold)
	m.UpdateAll("a", activity.Active)
	a, _ = m.Client("a")
	if len(a.Log) != 2 {
		t.Fatalf("log=%+v", a.Log)
	}
	if a.Log[1].ActiveTime != 15*time.Second {
		t.Fatalf("active after first interval=%v", a.Log[1].ActiveTime)
	}
}

func TestManager_ResetClearsTotals(t *testing.T) {
	t.Parallel()

	m, c := newTestManager("a")
	m.UpdateAll("a", activity.Active)
	c.Advance(time.Minute)
	m.Reset()
	c.Advance(time.Second)
	if got := m.ComputeTotalActiveTime(); got != time.Second {
		t.Fatalf("total=%v", got)
	}
}

func TestManager_BlobTransfer(t *testing.T) {
	t.Parallel()

	src, _ := twoClientSession(t)
	blob, err := src.IdleLog()
	if err != nil {
		t.Fatalf("IdleLog: %v", err)
	}

	dstClock := clock.NewManual(time.Unix(1_700_000_750+100, 0))
	dst := New("b", dstClock)
	if err := dst.SetState(blob, false); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	a, ok := dst.Client("a")
	if !ok {
		t.Fatalf("client a missing")
	}
	if a.TotalActiveTime != 100*time.Second {
		t.Fatalf("total=%v", a.TotalActiveTime)
	}
	if len(a.Log) != 2 {
		t.Fatalf("log=%+v", a.Log)
	}
	if want := time.Unix(1_700_000_100+100, 0); !a.Log[0].Begin.Equal(want) {
		t.Fatalf("begin=%v want=%v", a.Log[0].Begin, want)
	}
	if !a.Log[1].Begin.Equal(longAgo) {
		t.Fatalf("oldest begin=%v", a.Log[1].Begin)
	}

	b, _ := dst.Client("b")
	if b.TotalActiveTime != 0 || len(b.Log) != 1 {
		t.Fatalf("local client overwritten: %+v", b)
	}
}

func TestManager_CorruptRecordSkipped(t *testing.T) {
	t.Parallel()

	e := wire.NewEncoder(64)
	e.PutU16(2)
	pos := e.Mark()
	e.PutString("broken")
	e.PutU32(1)
	e.Patch(pos)

	pos = e.Mark()
	e.PutString("good")
	e.PutU32(30)
	e.PutU32(1_700_000_000)
	e.PutBool(false)
	e.PutU8(uint8(activity.Idle))
	e.PutU16(1)
	e.PutU32(1_699_999_000)
	e.PutU32(1_699_999_900)
	e.PutU32(0)
	e.Patch(pos)
	blob, err := e.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	m, _ := newTestManager("local")
	if err := m.SetIdleLog(blob); err == nil {
		t.Fatalf("expected error for broken record")
	}
	if _, ok := m.Client("broken"); ok {
		t.Fatalf("broken client created")
	}
	good, ok := m.Client("good")
	if !ok || good.TotalActiveTime != 30*time.Second {
		t.Fatalf("good=%+v ok=%v", good, ok)
	}
}

func TestManager_SignoffAndPrune(t *testing.T) {
	t.Parallel()

	m, c := newTestManager("a")
	m.SignonRemoteClient("b")
	m.UpdateAll("b", activity.Active)
	m.SignoffRemoteClient("b")

	b, _ := m.Client("b")
	if b.State != activity.Idle || b.Master {
		t.Fatalf("b=%+v", b)
	}

	c.Advance(48 * time.Hour)
	removed := m.Prune(24 * time.Hour)
	if len(removed) != 1 || removed[0] != "b" {
		t.Fatalf("removed=%v", removed)
	}
	if len(m.Clients()) != 1 {
		t.Fatalf("clients=%d", len(m.Clients()))
	}
}

func TestManager_ExpireDropsOldIntervals(t *testing.T) {
	t.Parallel()

	m, c := newTestManager("a")
	for i := 0; i < 3; i++ {
		m.UpdateAll("a", activity.Active)
		c.Advance(time.Minute)
		m.UpdateAll("a", activity.Idle)
		c.Advance(time.Minute)
	}
	c.Advance(MaxAge + time.Hour)
	m.UpdateAll("a", activity.Idle)

	a, _ := m.Client("a")
	if len(a.Log) != 1 {
		t.Fatalf("log=%d", len(a.Log))
	}
}
