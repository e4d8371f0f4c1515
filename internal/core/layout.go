package core

import (
	"path"
	"strings"
)

// Shared storage layout.
const (
	ActiveSessionsDir    = "active-sessions"
	CompletedSessionsDir = "completed-sessions"
	HeartBeatsDir        = "heartbeats"
	CancelledDir         = "cancelled"
	LogsDir              = "logs"
	ReportsDir           = "reports"
	LeasesDir            = "leases"

	sessionExt = ".json"
	lockExt    = ".lock"
)

// ActiveSessionPath is the document location while a session runs.
func ActiveSessionPath(sessionID string) string {
	return path.Join(ActiveSessionsDir, sessionID+sessionExt)
}

// CompletedSessionPath is the document location after termination.
func CompletedSessionPath(sessionID string) string {
	return path.Join(CompletedSessionsDir, sessionID+sessionExt)
}

// SessionLockPath is the SessionLock marker for a session.
func SessionLockPath(sessionID string) string {
	return ActiveSessionPath(sessionID) + lockExt
}

// HeartBeatPath is the liveness document for an instance.
func HeartBeatPath(instance string) string {
	return path.Join(HeartBeatsDir, strings.ToLower(instance))
}

// CancelledInstancePath is the cancel marker for one instance of a session.
func CancelledInstancePath(sessionID, instance string) string {
	return path.Join(CancelledDir, sessionID+"_"+strings.ToLower(instance))
}

// LogsPrefix is where an instance's collected artifacts are copied.
func LogsPrefix(sessionID, instance string) string {
	return path.Join(LogsDir, sessionID, instance)
}

// ReportsPrefix is where analyzer output for one log is copied.
func ReportsPrefix(sessionID, timestamp, diagnoser, instance string) string {
	return path.Join(ReportsDir, sessionID, timestamp, diagnoser, instance)
}

// SessionIDFromPath extracts the id from a session document path. It
// returns false for lock markers and foreign files.
func SessionIDFromPath(p string) (string, bool) {
	base := path.Base(p)
	if !strings.HasSuffix(base, sessionExt) {
		return "", false
	}
	return strings.TrimSuffix(base, sessionExt), true
}
