package agent

import (
	"fmt"
	"time"

	"breaksync/internal/activity"
	"breaksync/internal/wire"
)

// statsState replicates the input counters so a new master keeps counting
// the day where the previous one stopped.
type statsState struct {
	m *activity.Monitor
}

func (s statsState) GetState() ([]byte, error) {
	st := s.m.Statistics()
	e := wire.NewEncoder(20)
	e.PutU32(uint32(st.TotalMovement))
	e.PutU32(uint32(st.TotalClickMovement))
	e.PutU32(uint32(st.TotalMovementTime / time.Second))
	e.PutU32(uint32(st.TotalClicks))
	e.PutU32(uint32(st.TotalKeystrokes))
	return e.Bytes()
}

func (s statsState) SetState(data []byte, becameMaster bool) error {
	_ = becameMaster
	d := wire.NewDecoder(data)
	st := activity.Statistics{
		TotalMovement:      int(d.U32()),
		TotalClickMovement: int(d.U32()),
		TotalMovementTime:  time.Duration(d.U32()) * time.Second,
		TotalClicks:        int(d.U32()),
		TotalKeystrokes:    int(d.U32()),
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("decode activity state: %w", err)
	}
	s.m.SetStatistics(st)
	return nil
}

// masterState replicates the master's activity reading so passive nodes log
// the master client with its real state.
type masterState struct {
	a *Agent
}

func (s masterState) GetState() ([]byte, error) {
	e := wire.NewEncoder(1)
	e.PutU8(uint8(s.a.monitor.CurrentState()))
	return e.Bytes()
}

func (s masterState) SetState(data []byte, becameMaster bool) error {
	_ = becameMaster
	d := wire.NewDecoder(data)
	st := activity.State(d.U8())
	if err := d.Err(); err != nil {
		return fmt.Errorf("decode monitor state: %w", err)
	}
	s.a.remoteState = st
	return nil
}
