package core

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which stages a session runs on each instance.
type Mode string

const (
	ModeCollect               Mode = "Collect"
	ModeCollectAndAnalyze     Mode = "CollectAndAnalyze"
	ModeCollectKillAndAnalyze Mode = "CollectKillAndAnalyze"
)

// ParseMode resolves a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeCollect, ModeCollectAndAnalyze, ModeCollectKillAndAnalyze} {
		if strings.EqualFold(string(m), strings.TrimSpace(s)) {
			return m, nil
		}
	}
	return "", ErrValidation(CodeInvalidMode, fmt.Sprintf("unknown session mode %q", s))
}

// Analyzes reports whether the mode runs the analyzer stage.
func (m Mode) Analyzes() bool {
	return m == ModeCollectAndAnalyze || m == ModeCollectKillAndAnalyze
}

// SessionStatus is the global status of a session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "Active"
	SessionStatusComplete SessionStatus = "Complete"
	SessionStatusTimedOut SessionStatus = "TimedOut"
)

// IsTerminal reports whether the status is Complete or TimedOut.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusComplete || s == SessionStatusTimedOut
}

// InstanceStatus is one instance's progress on a session.
type InstanceStatus string

const (
	InstanceStatusStarted   InstanceStatus = "Started"
	InstanceStatusAnalyzing InstanceStatus = "Analyzing"
	InstanceStatusComplete  InstanceStatus = "Complete"
	InstanceStatusTimedOut  InstanceStatus = "TimedOut"
)

// IsTerminal reports whether the instance has nothing left to do.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusComplete || s == InstanceStatusTimedOut
}

// Invoker records who submitted a session. Automated submissions are
// subject to the daily and burst caps.
type Invoker string

const (
	InvokerInteractive Invoker = "Interactive"
	InvokerAutomation  Invoker = "Automation"
)

// TimeRange is the requested collection window for range collectors.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Report is one artifact produced by the analyzer from a log.
type Report struct {
	Name        string `json:"name"`
	LocalPath   string `json:"-"`
	PartialPath string `json:"partialPath"`
}

// LogFile is one artifact produced by a collector run.
type LogFile struct {
	Name        string    `json:"name"`
	LocalPath   string    `json:"-"`
	PartialPath string    `json:"partialPath"`
	Size        int64     `json:"size"`
	StartTime   time.Time `json:"startTime"`
	BlobStorage bool      `json:"blobStorage,omitempty"`
	Reports     []Report  `json:"reports,omitempty"`
}

// ActiveInstance is one instance's contribution to a session.
type ActiveInstance struct {
	Name                    string         `json:"name"`
	Status                  InstanceStatus `json:"status"`
	Logs                    []LogFile      `json:"logs,omitempty"`
	CollectorErrors         []string       `json:"collectorErrors,omitempty"`
	AnalyzerErrors          []string       `json:"analyzerErrors,omitempty"`
	CollectorStatusMessages []string       `json:"collectorStatusMessages,omitempty"`
	AnalyzerStatusMessages  []string       `json:"analyzerStatusMessages,omitempty"`
}

// HasErrors reports whether either stage recorded an error.
func (a *ActiveInstance) HasErrors() bool {
	return len(a.CollectorErrors) > 0 || len(a.AnalyzerErrors) > 0
}

// Session is one diagnostic request. The JSON encoding is the document
// exchanged between instances through shared storage.
type Session struct {
	SessionID           string            `json:"sessionId"`
	Tool                string            `json:"tool"`
	Mode                Mode              `json:"mode"`
	Instances           []string          `json:"instances"`
	ActiveInstances     []*ActiveInstance `json:"activeInstances,omitempty"`
	Status              SessionStatus     `json:"status"`
	StartTime           time.Time         `json:"startTime"`
	EndTime             *time.Time        `json:"endTime,omitempty"`
	Description         string            `json:"description,omitempty"`
	Invoker             Invoker           `json:"invoker,omitempty"`
	TimeRange           *TimeRange        `json:"timeRange,omitempty"`
	DefaultHostName     string            `json:"defaultHostName,omitempty"`
	BlobStorageHostName string            `json:"blobStorageHostName,omitempty"`
	LastModified        time.Time         `json:"lastModified"`
}

// HasInstance reports whether name was requested, ignoring case.
func (s *Session) HasInstance(name string) bool {
	for _, n := range s.Instances {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// ActiveInstance returns the progress record for name or nil.
func (s *Session) ActiveInstance(name string) *ActiveInstance {
	for _, ai := range s.ActiveInstances {
		if strings.EqualFold(ai.Name, name) {
			return ai
		}
	}
	return nil
}

// UpsertActiveInstance replaces the record with the same name or appends it.
// Records are never removed.
func (s *Session) UpsertActiveInstance(ai *ActiveInstance) {
	for i, existing := range s.ActiveInstances {
		if strings.EqualFold(existing.Name, ai.Name) {
			s.ActiveInstances[i] = ai
			return
		}
	}
	s.ActiveInstances = append(s.ActiveInstances, ai)
}

// Terminate moves an active session to a terminal status and stamps EndTime.
// Any other transition is rejected.
func (s *Session) Terminate(status SessionStatus, now time.Time) error {
	if !status.IsTerminal() {
		return ErrState(CodeInvalidTransition, fmt.Sprintf("%s is not a terminal status", status))
	}
	if s.Status != SessionStatusActive {
		return ErrState(CodeInvalidTransition,
			fmt.Sprintf("session %s is already %s", s.SessionID, s.Status))
	}
	s.Status = status
	end := now.UTC()
	s.EndTime = &end
	return nil
}

// Age returns how long the session has been running at now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// PendingInstances returns requested instances that have no progress record.
func (s *Session) PendingInstances() []string {
	var pending []string
	for _, name := range s.Instances {
		if s.ActiveInstance(name) == nil {
			pending = append(pending, name)
		}
	}
	return pending
}

// AllInstancesFinished holds when the set of instances in a terminal state
// equals the requested set, ignoring case and order.
func AllInstancesFinished(s *Session) bool {
	if s == nil || len(s.Instances) == 0 {
		return false
	}
	requested := make(map[string]struct{}, len(s.Instances))
	for _, n := range s.Instances {
		requested[strings.ToLower(n)] = struct{}{}
	}
	finished := make(map[string]struct{}, len(s.ActiveInstances))
	for _, ai := range s.ActiveInstances {
		if ai.Status.IsTerminal() {
			finished[strings.ToLower(ai.Name)] = struct{}{}
		}
	}
	if len(finished) != len(requested) {
		return false
	}
	for n := range requested {
		if _, ok := finished[n]; !ok {
			return false
		}
	}
	return true
}

// NormalizeInstances trims, drops empties and de-duplicates names
// case-insensitively, keeping first spelling.
func NormalizeInstances(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

// CancelledInstance is written by a cancel request and consumed by the
// named instance's runner.
type CancelledInstance struct {
	SessionID    string    `json:"sessionId"`
	InstanceName string    `json:"instanceName"`
	CancelledAt  time.Time `json:"cancelledAt"`
	Reason       string    `json:"reason,omitempty"`
}

const sessionIDLayout = "060102_150405"

// NewSessionID derives a session id from its creation time, with
// millisecond resolution. Ids sort chronologically.
func NewSessionID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03d", t.Format(sessionIDLayout), t.Nanosecond()/int(time.Millisecond))
}
