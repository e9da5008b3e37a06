package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"breaksync/internal/activity"
	"breaksync/internal/clock"
	"breaksync/internal/config"
	"breaksync/internal/control"
	"breaksync/internal/distribution"
	"breaksync/internal/execx"
	"breaksync/internal/history"
	"breaksync/internal/idlelog"
	"breaksync/internal/inputpoll"
	"breaksync/internal/link"
	"breaksync/internal/store"
	"breaksync/internal/stunutil"
	"breaksync/internal/timer"
	"breaksync/internal/wire"
)

const (
	saveInterval = 5 * time.Minute
	// clientMaxAge is how long a signed-off remote client stays in the idle log.
	clientMaxAge = 24 * time.Hour
	stunTimeout  = 5 * time.Second
	// warpThreshold is the tick gap treated as a host sleep or clock jump.
	warpThreshold = 10 * time.Second
)

// ErrStopped is returned by control calls after the loop has exited.
var ErrStopped = fmt.Errorf("agent stopped: %w", control.ErrUnavailable)

// Options carries the collaborators tests replace.
type Options struct {
	Logger *log.Logger
	Clock  clock.Clock
	Getenv func(string) string
	Runner execx.Runner
	// DisableInput skips the idle-time poller.
	DisableInput bool
}

// Agent is the composition root: it owns the monitor, the timers, the idle
// log and the distribution manager, and drives them from one loop goroutine.
type Agent struct {
	cfg   config.Config
	log   *log.Logger
	clock clock.Clock
	opts  Options

	identity *store.Identity
	guard    *instanceGuard
	ctl      *control.Server
	ctlLn    net.Listener

	monitor *activity.Monitor
	timers  *timer.Collection
	idle    *idlelog.Manager
	dm      *distribution.Manager
	history *history.Store
	poller  *inputpoll.Poller

	advertise string
	day       string
	lastSave  time.Time
	lastTick  time.Time

	// remoteState is the master's activity reading while passive.
	remoteState activity.State
	// sentState is the reading last broadcast while master.
	sentState activity.State

	calls   chan func()
	stopped chan struct{}
}

// New builds an agent from a validated config. Distribution problems are
// logged and leave the node running alone.
func New(cfg config.Config, opts Options) (*Agent, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		log:     opts.Logger,
		clock:   opts.Clock,
		opts:    opts,
		calls:   make(chan func()),
		stopped: make(chan struct{}),
	}

	if cfg.Node.SingleInstance == nil || *cfg.Node.SingleInstance {
		g, err := acquireInstance(cfg.Node.StateDir)
		if err != nil {
			return nil, err
		}
		a.guard = g
	}

	ok := false
	defer func() {
		if !ok {
			a.release()
		}
	}()

	id, err := store.LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	a.identity = id

	a.monitor = activity.NewMonitor(a.clock)
	a.monitor.SetParameters(
		time.Duration(cfg.Activity.NoiseMS)*time.Millisecond,
		time.Duration(cfg.Activity.ActivityMS)*time.Millisecond,
		time.Duration(cfg.Activity.IdleMS)*time.Millisecond,
	)

	a.timers, err = buildTimers(cfg.Timers, a.clock)
	if err != nil {
		return nil, err
	}

	a.history, err = history.New(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if last, err := a.history.Last(); err == nil {
		a.log.Printf("history opened path=%s last=%s", cfg.History.Path, last.Day)
	}

	a.dm = distribution.New(a.distributionConfig(), store.PeerFile{Path: cfg.PeersPath()})
	a.dm.SetObserver(a)

	a.ctlLn, err = net.Listen("tcp", cfg.Control.Listen)
	if err != nil {
		return nil, fmt.Errorf("control listen %s: %w", cfg.Control.Listen, err)
	}
	a.ctl = control.NewServer(a, a.log)

	if !opts.DisableInput {
		a.poller, err = inputpoll.New(opts.Runner, cfg.Input.IdleCommand,
			time.Duration(cfg.Input.PollIntervalMS)*time.Millisecond, a.monitor, a.log)
		if err != nil {
			a.log.Printf("input polling unavailable: %v", err)
			a.poller = nil
		}
	}

	ok = true
	return a, nil
}

func (a *Agent) distributionConfig() distribution.Config {
	d := a.cfg.Distribution
	name := a.cfg.Node.Name
	switch {
	case d.AdvertiseName != "":
		name = d.AdvertiseName
	case len(d.STUNServers) > 0:
		ctx, cancel := context.WithTimeout(context.Background(), stunTimeout)
		disc, err := stunutil.Discover(ctx, d.STUNServers, d.Port, stunTimeout)
		cancel()
		if err != nil {
			a.log.Printf("stun discovery failed: %v", err)
			break
		}
		a.log.Printf("stun discovery advertise=%s nat=%s", disc.Advertise, disc.NATType)
		a.advertise = disc.Advertise
		name = disc.Host
	}

	dcfg := distribution.Config{
		Enabled: d.Enabled,
		Peers:   d.Peers,
		Link: link.Config{
			Name:              name,
			ListenAddr:        d.Listen,
			Port:              d.Port,
			Username:          d.Username,
			Password:          d.Password,
			ReconnectAttempts: d.ReconnectAttempts,
			ReconnectInterval: time.Duration(d.ReconnectIntervalSec) * time.Second,
			Instance:          uuid.NewString(),
			Logger:            a.log,
			Clock:             a.clock,
		},
	}
	if err := distribution.ApplyEnv(&dcfg, a.opts.Getenv); err != nil {
		a.log.Printf("distribution env: %v", err)
	}
	if dcfg.Enabled {
		if err := config.ValidateDistribution(d); err != nil {
			a.log.Printf("distribution config invalid, running alone: %v", err)
			dcfg.Enabled = false
		}
	}
	return dcfg
}

func buildTimers(cfgs []config.TimerConfig, c clock.Clock) (*timer.Collection, error) {
	col := timer.NewCollection()
	for _, tc := range cfgs {
		t := timer.New(tc.ID, c)
		t.SetLimit(time.Duration(tc.LimitSec) * time.Second)
		t.SetLimitEnabled(tc.LimitSec > 0)
		t.SetAutoReset(time.Duration(tc.AutoResetSec) * time.Second)
		t.SetAutoResetEnabled(tc.AutoResetSec > 0)
		pred, err := timer.ParsePredicate(tc.ResetPredicate)
		if err != nil {
			return nil, fmt.Errorf("timer %s: %w", tc.ID, err)
		}
		if pred != nil {
			t.SetAutoResetPredicate(pred)
		}
		t.SetSnoozeInterval(time.Duration(tc.SnoozeSec) * time.Second)
		if tc.ActivityTimer != nil {
			t.SetActivityTimer(*tc.ActivityTimer)
		}
		if tc.Enabled == nil || *tc.Enabled {
			t.Enable()
		}
		col.Add(t)
	}
	for _, tc := range cfgs {
		if tc.Monitor == "" {
			continue
		}
		src, ok := col.Get(tc.Monitor)
		if !ok {
			return nil, fmt.Errorf("timer %s: unknown monitor %q", tc.ID, tc.Monitor)
		}
		t, _ := col.Get(tc.ID)
		t.SetActivityMonitor(src)
	}
	return col, nil
}

// Monitor is the activity monitor input hooks report to.
func (a *Agent) Monitor() *activity.Monitor { return a.monitor }

// ControlAddr is the bound control endpoint address.
func (a *Agent) ControlAddr() string { return a.ctlLn.Addr().String() }

// Run drives the agent until ctx is done. State is saved on the way out.
func (a *Agent) Run(ctx context.Context) error {
	defer a.release()

	a.restore()

	if err := a.dm.Start(); err != nil {
		a.log.Printf("distribution start failed, running alone: %v", err)
	}
	a.idle = idlelog.New(a.dm.MyID(), a.clock)
	a.dm.RegisterState(wire.StateTimers, a.timers)
	a.dm.RegisterState(wire.StateIdleLog, a.idle)
	a.dm.RegisterState(wire.StateActivity, statsState{a.monitor})
	a.dm.RegisterState(wire.StateMonitor, masterState{a})

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.ctl.Serve(a.ctlLn); err != nil {
			a.log.Printf("control server: %v", err)
		}
	}()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = a.ctl.Shutdown(sctx)
	}()

	if a.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.poller.Run(runCtx)
		}()
	}

	ticker := time.NewTicker(time.Duration(a.cfg.Node.TickMS) * time.Millisecond)
	defer ticker.Stop()

	a.log.Printf("agent started id=%s node=%s control=%s", a.dm.MyID(), a.identity.NodeID, a.ControlAddr())
	for {
		select {
		case <-ctx.Done():
			close(a.stopped)
			a.shutdown()
			return nil
		case <-ticker.C:
			a.tick()
		case ev := <-a.dm.Events():
			a.dm.Handle(ev)
		case fn := <-a.calls:
			fn()
		}
	}
}

// tick is one heartbeat of the loop.
func (a *Agent) tick() {
	now := a.clock.Now()
	a.checkWarp(now)
	state := a.monitor.CurrentState()

	// An active master rejects claims from the other nodes.
	a.dm.SetLockMaster(state == activity.Active)
	a.dm.Heartbeat()
	if state == activity.Active && !a.dm.IsMaster() {
		a.dm.Claim()
	}
	if a.dm.IsMaster() {
		if state != a.sentState {
			a.sentState = state
			a.dm.BroadcastState(wire.StateMonitor)
		}
	} else {
		a.sentState = activity.Unknown
	}

	masterState := state
	if a.dm.State() == distribution.Passive {
		masterState = a.remoteState
	} else {
		a.processTimers(state, now)
	}
	a.idle.UpdateAll(a.dm.MasterID(), masterState)

	if day := history.DayKey(now); day != a.day {
		a.rollover(day)
	}
	if now.Sub(a.lastSave) >= saveInterval {
		a.save()
	}
}

// checkWarp handles a wall clock jump between two ticks. A forward gap means
// the host slept: pending input is dropped and running timers stop as of the
// previous tick. A backward jump shifts the stored timestamps instead.
func (a *Agent) checkWarp(now time.Time) {
	last := a.lastTick
	a.lastTick = now
	if last.IsZero() {
		return
	}
	switch gap := now.Sub(last); {
	case gap > warpThreshold:
		a.log.Printf("time warp gap=%s, host was asleep", gap.Round(time.Second))
		a.monitor.ForceIdle()
		a.timers.StopSince(last)
	case gap < -warpThreshold:
		a.log.Printf("clock moved back by %s", (-gap).Round(time.Second))
		a.monitor.ShiftTime(gap)
		a.timers.ShiftTime(gap)
	}
}

// setSuspended pauses activity monitoring and freezes the timers until
// resumed.
func (a *Agent) setSuspended(suspended bool) {
	if suspended {
		a.monitor.Suspend()
	} else {
		a.monitor.Resume()
	}
	a.timers.FreezeAll(suspended)
	a.log.Printf("monitoring suspended=%v", suspended)
}

func (a *Agent) processTimers(state activity.State, now time.Time) {
	for _, r := range a.timers.Process(state) {
		ev := r.Info.Event
		switch ev {
		case timer.EventNone, timer.EventStarted, timer.EventStopped:
			continue
		case timer.EventLimitReached:
			a.log.Printf("break due timer=%s elapsed=%s", r.ID, r.Info.ElapsedTime.Round(time.Second))
		case timer.EventNaturalReset:
			a.log.Printf("break taken timer=%s idle=%s", r.ID, r.Info.IdleTime.Round(time.Second))
		case timer.EventReset:
			if t, ok := a.timers.Get(r.ID); ok && t.AutoResetPredicate() != nil {
				a.log.Printf("timer reset by schedule timer=%s", r.ID)
				continue
			}
			a.log.Printf("timer reset timer=%s", r.ID)
		}
		if err := a.history.RecordTimerEvent(history.DayKey(now), r.ID, ev); err != nil {
			a.log.Printf("history: %v", err)
		}
	}
}

// rollover closes the previous day and starts counting a new one.
func (a *Agent) rollover(day string) {
	if a.day != "" {
		a.flushHistory()
		if pruned := a.idle.Prune(clientMaxAge); len(pruned) > 0 {
			a.log.Printf("idle log pruned clients=%v", pruned)
		}
		a.pruneHistory()
		a.monitor.ResetStatistics()
		a.timers.DailyReset()
		a.idle.Reset()
		a.log.Printf("new day %s", day)
	}
	a.day = day
}

func (a *Agent) pruneHistory() {
	keep := a.cfg.History.RetentionDays
	if keep <= 0 {
		return
	}
	cutoff := history.DayKey(a.clock.Now().AddDate(0, 0, -keep))
	n, err := a.history.Prune(cutoff)
	if err != nil {
		a.log.Printf("history prune: %v", err)
		return
	}
	if n > 0 {
		a.log.Printf("history pruned days=%d before=%s", n, cutoff)
	}
}

func (a *Agent) flushHistory() {
	if a.day == "" {
		return
	}
	if err := a.history.SaveActivity(a.day, a.idle.ComputeTotalActiveTime(), a.monitor.Statistics()); err != nil {
		a.log.Printf("history: %v", err)
	}
	for _, t := range a.timers.Timers() {
		if err := a.history.SetOverdue(a.day, t.ID(), t.TotalOverdue()); err != nil {
			a.log.Printf("history: %v", err)
		}
	}
}

// restore loads the timer state file and today's counters.
func (a *Agent) restore() {
	st, err := store.LoadTimerState(a.cfg.TimerStatePath())
	if err != nil {
		a.log.Printf("timer state ignored: %v", err)
	} else if n := a.timers.DeserializeState(st.Records); n > 0 {
		a.log.Printf("timer state restored timers=%d saved=%s", n, st.SavedAt.Format(time.RFC3339))
	}

	rec, err := store.LoadActivity(a.cfg.StatsPath())
	if err != nil {
		a.log.Printf("activity record ignored: %v", err)
		return
	}
	if rec.Day == history.DayKey(a.clock.Now()) {
		a.monitor.SetStatistics(rec.Stats)
	}
}

// save writes the timer state file, today's counters and the history row.
func (a *Agent) save() {
	a.lastSave = a.clock.Now()
	st := &store.TimerState{SavedAt: a.lastSave, Records: a.timers.SerializeState()}
	if err := store.SaveTimerState(a.cfg.TimerStatePath(), st); err != nil {
		a.log.Printf("save timer state: %v", err)
	}
	rec := &store.ActivityRecord{Day: a.day, Stats: a.monitor.Statistics()}
	if err := store.SaveActivity(a.cfg.StatsPath(), rec); err != nil {
		a.log.Printf("save activity: %v", err)
	}
	a.flushHistory()
}

func (a *Agent) shutdown() {
	if a.day == "" {
		a.day = history.DayKey(a.clock.Now())
	}
	a.save()
	if err := a.dm.Close(); err != nil {
		a.log.Printf("distribution close: %v", err)
	}
	a.log.Printf("agent stopped")
}

func (a *Agent) release() {
	if a.history != nil {
		_ = a.history.Close()
		a.history = nil
	}
	if a.ctlLn != nil {
		_ = a.ctlLn.Close()
	}
	if a.guard != nil {
		_ = a.guard.Release()
		a.guard = nil
	}
}

// NodeStateChanged implements distribution.Observer.
func (a *Agent) NodeStateChanged(state distribution.NodeState, masterID string) {
	a.remoteState = activity.Idle
	a.log.Printf("node state %s master=%s", state, masterID)
}

func (a *Agent) StateTransferComplete() {
	a.log.Printf("state transfer complete master=%s", a.dm.MasterID())
}

func (a *Agent) SignonClient(id string) {
	if a.idle != nil {
		a.idle.SignonRemoteClient(id)
	}
}

func (a *Agent) SignoffClient(id string) {
	if a.idle != nil {
		a.idle.SignoffRemoteClient(id)
	}
}
