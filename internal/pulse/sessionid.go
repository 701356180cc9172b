package pulse

import (
	"regexp"
)

// Session-ID format: {program}[-{env}].{task}. Legacy shapes (session_NNN
// and bare alphanumerics) are accepted with a warning in lenient mode and
// rejected in strict mode.
var (
	canonicalSessionID = regexp.MustCompile(`^([A-Za-z0-9_-]+)(?:-([A-Za-z0-9_-]+))?\.([A-Za-z0-9_-]+)$`)
	legacyNumericID    = regexp.MustCompile(`^session_\d+$`)
	legacyBareID       = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// SessionIDInfo is the validator's verdict.
type SessionIDInfo struct {
	Valid   bool   `json:"valid"`
	Legacy  bool   `json:"legacy"`
	Program string `json:"program,omitempty"`
	Env     string `json:"env,omitempty"`
	Task    string `json:"task,omitempty"`
}

// ValidateSessionID parses a session id. strict rejects legacy shapes.
func ValidateSessionID(id string, strict bool) SessionIDInfo {
	if m := canonicalSessionID.FindStringSubmatch(id); m != nil {
		return SessionIDInfo{Valid: true, Program: m[1], Env: m[2], Task: m[3]}
	}
	if legacyNumericID.MatchString(id) || legacyBareID.MatchString(id) {
		return SessionIDInfo{Valid: !strict, Legacy: true}
	}
	return SessionIDInfo{}
}
