package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"breaksync/internal/addrutil"
	"breaksync/internal/api"
	"breaksync/internal/control"
	"breaksync/internal/history"
	"breaksync/internal/metrics"
	"breaksync/internal/model"
)

const defaultHistoryDays = 30

// call runs fn on the loop goroutine and waits for it.
func (a *Agent) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case a.calls <- wrapped:
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) Status(ctx context.Context) (model.Status, error) {
	var st model.Status
	err := a.call(ctx, func() { st = a.status() })
	return st, err
}

func (a *Agent) status() model.Status {
	st := model.Status{
		Name:          a.cfg.Node.Name,
		ID:            a.dm.MyID(),
		NodeID:        a.identity.NodeID,
		Distribution:  a.dm.State().String(),
		Enabled:       a.dm.Enabled(),
		Master:        a.dm.MasterID(),
		IsMaster:      a.dm.IsMaster(),
		StateComplete: a.dm.StateComplete(),
		Activity:      a.monitor.CurrentState().String(),
		Advertise:     a.advertise,
		Configured:    a.dm.Peers(),
		Logs:          a.dm.Logs(),
	}
	for _, t := range a.timers.Timers() {
		st.Timers = append(st.Timers, model.TimerStatus{
			ID:        t.ID(),
			Enabled:   t.Enabled(),
			State:     t.State().String(),
			Elapsed:   t.Elapsed(),
			Idle:      t.ElapsedIdle(),
			Limit:     t.Limit(),
			Overdue:   t.TotalOverdue(),
			NextLimit: t.NextLimitTime(),
		})
	}
	for _, p := range a.dm.LinkPeers() {
		st.Peers = append(st.Peers, model.PeerStatus{
			ID:       p.ID,
			State:    p.State,
			Inbound:  p.Inbound,
			IsMaster: p.Master,
		})
	}
	for _, ci := range a.idle.Clients() {
		st.Clients = append(st.Clients, model.ClientState{
			ID:         ci.ID,
			State:      ci.State.String(),
			Master:     ci.Master,
			ActiveTime: ci.TotalActiveTime,
		})
	}
	return st
}

func (a *Agent) Claim(ctx context.Context) (api.ClaimResponse, error) {
	var resp api.ClaimResponse
	err := a.call(ctx, func() {
		resp.Master = a.dm.Claim()
		resp.MasterID = a.dm.MasterID()
	})
	return resp, err
}

func (a *Agent) AddPeer(ctx context.Context, url string) (api.PeerResponse, error) {
	var (
		resp   api.PeerResponse
		update error
	)
	err := a.call(ctx, func() {
		resp.Changed, update = a.dm.AddPeer(url)
		resp.Peers = a.dm.Peers()
	})
	if err != nil {
		return resp, err
	}
	return resp, peerError(update)
}

func (a *Agent) RemovePeer(ctx context.Context, url string) (api.PeerResponse, error) {
	var (
		resp   api.PeerResponse
		update error
	)
	err := a.call(ctx, func() {
		resp.Changed, update = a.dm.RemovePeer(url)
		resp.Peers = a.dm.Peers()
	})
	if err != nil {
		return resp, err
	}
	return resp, peerError(update)
}

func peerError(err error) error {
	if errors.Is(err, addrutil.ErrBadPeer) {
		return fmt.Errorf("%w: %v", control.ErrBadRequest, err)
	}
	return err
}

func (a *Agent) Reconnect(ctx context.Context) error {
	return a.call(ctx, a.dm.ReconnectAll)
}

func (a *Agent) Disconnect(ctx context.Context) error {
	return a.call(ctx, a.dm.DisconnectAll)
}

func (a *Agent) SetSuspended(ctx context.Context, suspended bool) error {
	return a.call(ctx, func() { a.setSuspended(suspended) })
}

// History flushes today's row on the loop, then reads the store from the
// caller's goroutine. The range defaults to the last 30 days.
func (a *Agent) History(ctx context.Context, from, to string) (api.HistoryResponse, error) {
	if err := a.call(ctx, a.flushHistory); err != nil {
		return api.HistoryResponse{}, err
	}
	now := a.clock.Now()
	if to == "" {
		to = history.DayKey(now)
	}
	if from == "" {
		from = history.DayKey(now.AddDate(0, 0, -defaultHistoryDays))
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(history.DayLayout, d); err != nil {
			return api.HistoryResponse{}, fmt.Errorf("%w: day %q", control.ErrBadRequest, d)
		}
	}
	days, err := a.history.Range(from, to)
	if err != nil {
		return api.HistoryResponse{}, err
	}
	return api.HistoryResponse{Days: days, Summary: metrics.Summarize(days, from)}, nil
}
