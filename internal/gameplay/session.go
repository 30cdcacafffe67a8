package gameplay

import (
	"context"
	"sync"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateEnding   State = "ending"
)

// End reasons recorded in run history.
const (
	EndStopped     = "stopped"
	EndCompleted   = "completed"
	EndLoopError   = "loop_error"
	EndStartFailed = "start_failed"
)

// Session is the single active run of one module. Fields set at creation are
// immutable; state and params are guarded by the scheduler's mutex.
type Session struct {
	id        string
	gameID    string
	source    string
	module    Module
	meta      Meta
	binding   Binding
	listeners *Listeners
	proxy     *Proxy
	log       sessionLog
	startTime time.Time
	tick      time.Duration

	state  State
	params map[string]any

	// dispatchMu serializes every call into the module.
	dispatchMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
	duration time.Duration
	reason   string
}

func (s *Session) ID() string { return s.id }

// dispatch runs fn while holding the session's dispatch lock. It reports
// false without running fn once the session has been torn down.
func (s *Session) dispatch(fn func()) bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.proxy.Closed() {
		return false
	}
	fn()
	return true
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Running        bool                `json:"running"`
	State          State               `json:"state"`
	SessionID      string              `json:"sessionId,omitempty"`
	GameID         string              `json:"gameId,omitempty"`
	Title          string              `json:"title,omitempty"`
	StartTime      *time.Time          `json:"startTime,omitempty"`
	TickIntervalMS int64               `json:"loopIntervalMs"`
	SourcePath     string              `json:"gameplaySourcePath,omitempty"`
	Parameters     map[string]any      `json:"parameters"`
	DeviceMapping  map[string][]string `json:"deviceMapping"`
}

// Map renders the snapshot for stream hello payloads.
func (s Snapshot) Map() map[string]any {
	m := map[string]any{
		"running":            s.Running,
		"sessionState":       string(s.State),
		"title":              s.Title,
		"loopIntervalMs":     s.TickIntervalMS,
		"gameplaySourcePath": s.SourcePath,
		"parameters":         s.Parameters,
		"deviceMapping":      s.DeviceMapping,
	}
	if s.SessionID != "" {
		m["sessionId"] = s.SessionID
		m["gameId"] = s.GameID
	}
	if s.StartTime != nil {
		m["startTime"] = s.StartTime.UnixMilli()
	} else {
		m["startTime"] = nil
	}
	return m
}
