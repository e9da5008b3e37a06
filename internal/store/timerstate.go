package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TimerStateHeader is the first line of a timer state file.
const TimerStateHeader = "WorkRaveState 2"

var ErrBadStateFile = errors.New("store: bad timer state file")

// TimerState is the content of a timer state file: the save time followed
// by one serialized record per timer.
type TimerState struct {
	SavedAt time.Time
	Records []string
}

// LoadTimerState reads a timer state file. A missing file yields an empty
// state.
func LoadTimerState(path string) (*TimerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TimerState{}, nil
		}
		return nil, err
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != TimerStateHeader {
		return nil, fmt.Errorf("%w: %s: missing header", ErrBadStateFile, path)
	}
	if !sc.Scan() {
		return nil, fmt.Errorf("%w: %s: missing save time", ErrBadStateFile, path)
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(sc.Text()), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: save time: %v", ErrBadStateFile, path, err)
	}

	st := &TimerState{SavedAt: time.Unix(sec, 0)}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			st.Records = append(st.Records, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return st, nil
}

// SaveTimerState writes st atomically.
func SaveTimerState(path string, st *TimerState) error {
	if st == nil {
		return nil
	}
	var buf bytes.Buffer
	fmt.Fprintln(&buf, TimerStateHeader)
	fmt.Fprintln(&buf, st.SavedAt.Unix())
	for _, r := range st.Records {
		fmt.Fprintln(&buf, r)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
