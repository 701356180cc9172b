package auth

// Capability strings take the form module.action. The gate denies a tool
// call when the caller's grant list contains neither "*" nor the tool's
// required capability.

// requiredCapability maps every tool to its required capability. A tool
// missing from the table passes the gate; the handler decides.
var requiredCapability = map[string]string{
	"create_task":   "dispatch.write",
	"get_tasks":     "dispatch.read",
	"get_task":      "dispatch.read",
	"claim_task":    "dispatch.write",
	"complete_task": "dispatch.write",
	"derez_task":    "dispatch.write",

	"send_message": "relay.write",
	"get_messages": "relay.read",

	"create_session":        "state.write",
	"update_session":        "state.write",
	"heartbeat":             "state.write",
	"list_sessions":         "state.read",
	"derez_session":         "state.write",
	"report_context_health": "state.write",

	"ask_question": "signal.write",
	"get_response": "signal.read",
	"send_alert":   "signal.write",

	"dream_peek":     "dream.read",
	"dream_activate": "dream.write",

	"get_operational_metrics": "metrics.read",
}

// standardGrants is the default grant list for worker programs: full data
// plane, read-only dreams and metrics.
var standardGrants = []string{
	"dispatch.read", "dispatch.write",
	"relay.read", "relay.write",
	"state.read", "state.write",
	"signal.read", "signal.write",
	"dream.read",
	"metrics.read",
}

// defaultCapabilities maps programId to its default grants, applied when the
// key record carries no narrower list. Unlisted programs get the standard
// worker set.
var defaultCapabilities = map[string][]string{
	"legacy":   {"*"},
	"mobile":   {"*"},
	"sentinel": append([]string{"dream.write"}, standardGrants...),
	"oracle":   append([]string{"dream.write"}, standardGrants...),
}

// RequiredCapability returns the capability a tool demands, or "" when the
// tool is not in the table.
func RequiredCapability(tool string) string {
	return requiredCapability[tool]
}

// ToolNames lists every tool in the capability table.
func ToolNames() []string {
	out := make([]string, 0, len(requiredCapability))
	for name := range requiredCapability {
		out = append(out, name)
	}
	return out
}

// DefaultCapabilities returns the default grant list for a program.
func DefaultCapabilities(programID string) []string {
	if caps, ok := defaultCapabilities[programID]; ok {
		out := make([]string, len(caps))
		copy(out, caps)
		return out
	}
	out := make([]string, len(standardGrants))
	copy(out, standardGrants)
	return out
}

// CapabilityResult is the outcome of a capability check.
type CapabilityResult struct {
	Allowed  bool
	Required string
	Held     []string
}

// CheckCapability decides whether the context may invoke the tool.
func CheckCapability(c *Context, tool string) CapabilityResult {
	required, ok := requiredCapability[tool]
	if !ok {
		return CapabilityResult{Allowed: true}
	}
	if c.HasCapability(required) {
		return CapabilityResult{Allowed: true, Required: required, Held: c.Capabilities}
	}
	return CapabilityResult{Allowed: false, Required: required, Held: c.Capabilities}
}
