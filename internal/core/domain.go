package core

import "time"

// Status is the lifecycle vocabulary shared by every coordinated entity.
// "derezzed" is the single terminal state; archival is a separate boolean
// flag on the entity, not a status value.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusBlocked    Status = "blocked"
	StatusCompleting Status = "completing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDerezzed   Status = "derezzed"
)

// Statuses lists every lifecycle status in declaration order.
func Statuses() []Status {
	return []Status{
		StatusCreated,
		StatusActive,
		StatusBlocked,
		StatusCompleting,
		StatusDone,
		StatusFailed,
		StatusDerezzed,
	}
}

// Kind discriminates the entity families governed by the lifecycle engine.
type Kind string

const (
	KindTask        Kind = "task"
	KindSession     Kind = "session"
	KindDream       Kind = "dream"
	KindSprintStory Kind = "sprint_story"
)

// Kinds lists every lifecycle kind.
func Kinds() []Kind {
	return []Kind{KindTask, KindSession, KindDream, KindSprintStory}
}

// TaskType discriminates the task union. The store document is a bag; the
// type tag selects which optional sub-block is meaningful.
type TaskType string

const (
	TaskTypeTask        TaskType = "task"
	TaskTypeQuestion    TaskType = "question"
	TaskTypeDream       TaskType = "dream"
	TaskTypeSprint      TaskType = "sprint"
	TaskTypeSprintStory TaskType = "sprint-story"
)

// Priority levels for tasks and relay messages.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Action hints how the target program should schedule the work.
type Action string

const (
	ActionInterrupt Action = "interrupt"
	ActionSprint    Action = "sprint"
	ActionParallel  Action = "parallel"
	ActionQueue     Action = "queue"
	ActionBacklog   Action = "backlog"
)

// SchemaVersion is stamped on every new document.
const SchemaVersion = "2"

// Provenance records which model produced a payload and at what cost.
type Provenance struct {
	Model      string  `json:"model,omitempty"`
	TokenCost  int64   `json:"tokenCost,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Envelope carries the addressing fields common to tasks and relay messages.
type Envelope struct {
	Source        string      `json:"source"`
	Target        string      `json:"target"`
	Priority      Priority    `json:"priority,omitempty"`
	Action        Action      `json:"action,omitempty"`
	TTLSeconds    int64       `json:"ttl,omitempty"`
	ReplyTo       string      `json:"replyTo,omitempty"`
	ThreadID      string      `json:"threadId,omitempty"`
	TraceID       string      `json:"traceId,omitempty"`
	SpanID        string      `json:"spanId,omitempty"`
	ParentSpanID  string      `json:"parentSpanId,omitempty"`
	Provenance    *Provenance `json:"provenance,omitempty"`
	SchemaVersion string      `json:"schemaVersion,omitempty"`
}

// RetryBlock tracks retry policy and history on a task.
type RetryBlock struct {
	Policy     string   `json:"policy,omitempty"`
	MaxRetries int      `json:"maxRetries,omitempty"`
	RetryCount int      `json:"retryCount,omitempty"`
	History    []string `json:"history,omitempty"`
}

// QuestionBlock is the type-specific sub-object for question tasks. Prompt
// and Response hold ciphertext when the task's encrypted flag is set.
type QuestionBlock struct {
	Prompt      string     `json:"prompt,omitempty"`
	Options     []string   `json:"options,omitempty"`
	Response    string     `json:"response,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

// DreamBlock is the type-specific sub-object for dream tasks: long-running
// budgeted runs with timeout and kill-switch semantics.
type DreamBlock struct {
	Agent             string  `json:"agent"`
	BudgetCapUSD      float64 `json:"budget_cap_usd"`
	BudgetConsumedUSD float64 `json:"budget_consumed_usd"`
	TimeoutHours      float64 `json:"timeout_hours"`
	Branch            string  `json:"branch,omitempty"`
	Outcome           string  `json:"outcome,omitempty"`
	MorningReport     string  `json:"morning_report,omitempty"`
}

// SprintBlock is the type-specific sub-object for sprint tasks.
type SprintBlock struct {
	Name    string   `json:"name,omitempty"`
	Stories []string `json:"stories,omitempty"`
}

// Task is the unified work unit, discriminated by Type.
type Task struct {
	ID           string   `json:"id"`
	Type         TaskType `json:"type"`
	Title        string   `json:"title"`
	Instructions string   `json:"instructions,omitempty"`
	Context      string   `json:"context,omitempty"`

	Question *QuestionBlock `json:"question,omitempty"`
	Dream    *DreamBlock    `json:"dream,omitempty"`
	Sprint   *SprintBlock   `json:"sprint,omitempty"`

	Status    Status   `json:"status"`
	BlockedBy []string `json:"blockedBy,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	// DreamID links a child task to its owning dream; complete_task accrues
	// the child's cost onto that dream's budget.
	DreamID string `json:"dreamId,omitempty"`

	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`

	Encrypted bool        `json:"encrypted,omitempty"`
	Archived  bool        `json:"archived,omitempty"`
	Retry     *RetryBlock `json:"retry,omitempty"`

	TokensIn  int64   `json:"tokens_in,omitempty"`
	TokensOut int64   `json:"tokens_out,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`

	Result       string `json:"result,omitempty"`
	RevertReason string `json:"revertReason,omitempty"`

	Envelope
}

// LifecycleKind maps the task's type tag onto the lifecycle table that
// governs it.
func (t *Task) LifecycleKind() Kind {
	switch t.Type {
	case TaskTypeDream:
		return KindDream
	case TaskTypeSprintStory:
		return KindSprintStory
	default:
		return KindTask
	}
}

// MessageType is the relay message vocabulary (closed set).
type MessageType string

const (
	MsgPing      MessageType = "PING"
	MsgPong      MessageType = "PONG"
	MsgHandshake MessageType = "HANDSHAKE"
	MsgDirective MessageType = "DIRECTIVE"
	MsgStatus    MessageType = "STATUS"
	MsgAck       MessageType = "ACK"
	MsgQuery     MessageType = "QUERY"
	MsgResult    MessageType = "RESULT"
)

// MessageTypes lists the closed relay vocabulary.
func MessageTypes() []MessageType {
	return []MessageType{
		MsgPing, MsgPong, MsgHandshake, MsgDirective,
		MsgStatus, MsgAck, MsgQuery, MsgResult,
	}
}

// ValidMessageType reports whether mt is in the closed set.
func ValidMessageType(mt MessageType) bool {
	for _, v := range MessageTypes() {
		if v == mt {
			return true
		}
	}
	return false
}

// Relay delivery status values.
const (
	RelayPending      = "pending"
	RelayDelivered    = "delivered"
	RelayExpired      = "expired"
	RelayDeadLettered = "dead_lettered"
)

// Relay defaults.
const (
	DefaultRelayTTLSeconds     = 86400
	DefaultMaxDeliveryAttempts = 3
	AlertTTLSeconds            = 3600
)

// RelayMessage is an ephemeral inter-program message with TTL and
// delivery-attempt tracking.
type RelayMessage struct {
	ID          string      `json:"id"`
	MessageType MessageType `json:"message_type"`
	Payload     interface{} `json:"payload,omitempty"`
	SessionID   string      `json:"sessionId,omitempty"`

	Status              string     `json:"status"`
	TTLSeconds          int64      `json:"ttl"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	DeliveryAttempts    int        `json:"deliveryAttempts"`
	MaxDeliveryAttempts int        `json:"maxDeliveryAttempts"`

	MulticastID     string `json:"multicastId,omitempty"`
	MulticastSource string `json:"multicastSource,omitempty"`

	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty"`
	OriginalPath   string     `json:"originalPath,omitempty"`

	Envelope
}

// ComplianceState tracks a session's protocol health.
type ComplianceState string

const (
	ComplianceUnregistered ComplianceState = "UNREGISTERED"
	ComplianceBooting      ComplianceState = "BOOTING"
	ComplianceCompliant    ComplianceState = "COMPLIANT"
	ComplianceWarned       ComplianceState = "WARNED"
	ComplianceDegraded     ComplianceState = "DEGRADED"
)

// ComplianceTransition is one recorded compliance state change.
type ComplianceTransition struct {
	From   ComplianceState `json:"from"`
	To     ComplianceState `json:"to"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}

// ContextHealth carries self-reported context-window pressure for a session.
type ContextHealth struct {
	TokensUsed   int64      `json:"tokensUsed"`
	TokensBudget int64      `json:"tokensBudget"`
	Compactions  int        `json:"compactions"`
	ReportedAt   *time.Time `json:"reportedAt,omitempty"`
}

// ComplianceBlock is the per-session compliance record.
type ComplianceBlock struct {
	State          ComplianceState        `json:"state"`
	BootChecklist  map[string]bool        `json:"bootChecklist,omitempty"`
	JournalEntries int                    `json:"journalEntries,omitempty"`
	LastJournalAt  *time.Time             `json:"lastJournalAt,omitempty"`
	ContextHealth  *ContextHealth         `json:"contextHealth,omitempty"`
	History        []ComplianceTransition `json:"history,omitempty"`
}

// Session is a pulse entity: one live program run with heartbeats.
type Session struct {
	ID            string           `json:"id"`
	ProgramID     string           `json:"programId"`
	Status        Status           `json:"status"`
	Name          string           `json:"name,omitempty"`
	Progress      int              `json:"progress,omitempty"`
	CurrentAction string           `json:"currentAction,omitempty"`
	CreatedAt     *time.Time       `json:"createdAt,omitempty"`
	LastUpdate    *time.Time       `json:"lastUpdate,omitempty"`
	LastHeartbeat *time.Time       `json:"lastHeartbeat,omitempty"`
	Compliance    *ComplianceBlock `json:"compliance,omitempty"`
	Archived      bool             `json:"archived,omitempty"`
	SchemaVersion string           `json:"schemaVersion,omitempty"`
	// DreamID marks a session as running under a dream; the gate checks the
	// dream's budget before admitting tool calls from such sessions.
	DreamID string `json:"dreamId,omitempty"`
}

// Claim event outcomes.
const (
	ClaimOutcomeClaimed    = "claimed"
	ClaimOutcomeContention = "contention"
)

// ClaimEventTTL bounds how long claim events are retained.
const ClaimEventTTL = 7 * 24 * time.Hour

// ClaimEvent records one claim attempt; the stream powers contention metrics.
type ClaimEvent struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"taskId"`
	SessionID    string     `json:"sessionId"`
	Outcome      string     `json:"outcome"`
	CurrentOwner string     `json:"currentOwner,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// APIKeyRecord lives in the global key index, keyed by SHA-256 of the raw
// key. The raw key is never stored.
type APIKeyRecord struct {
	TenantUID    string     `json:"tenantUid"`
	ProgramID    string     `json:"programId"`
	Label        string     `json:"label,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Tier         string     `json:"tier,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// CanonicalAccount merges identity-provider-specific UIDs onto one tenant
// path. Keyed by SHA-256 of the lowercased email.
type CanonicalAccount struct {
	CanonicalUID  string   `json:"canonicalUid"`
	AlternateUIDs []string `json:"alternateUids"`
}

// Ledger entry types.
const (
	LedgerAudit = "audit"
	LedgerTrace = "trace"
	LedgerCost  = "cost"
)

// LedgerEntry is one append-only observability record. Audit entries reuse
// the same shape with Type="audit" and the decision fields set.
type LedgerEntry struct {
	Type          string     `json:"type"`
	Tool          string     `json:"tool,omitempty"`
	ProgramID     string     `json:"programId,omitempty"`
	Endpoint      string     `json:"endpoint,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
	DurationMs    int64      `json:"durationMs,omitempty"`
	Success       bool       `json:"success"`
	Error         string     `json:"error,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`

	Allowed  *bool    `json:"allowed,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Required string   `json:"required,omitempty"`
	Held     []string `json:"held,omitempty"`
}

// Sync queue item statuses.
const (
	SyncQueued    = "queued"
	SyncAbandoned = "abandoned"
)

// SyncMaxRetries is the abandon threshold for mirror operations.
const SyncMaxRetries = 5

// SyncOp is one queued mirror operation awaiting retry.
type SyncOp struct {
	ID         string                 `json:"id"`
	Op         string                 `json:"op"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	RetryCount int                    `json:"retryCount"`
	LastError  string                 `json:"lastError,omitempty"`
	Status     string                 `json:"status"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
}

// MCPSession is the persisted handshake state for one MCP client.
type MCPSession struct {
	UserID       string     `json:"userId"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
}

// Event type names emitted into the per-tenant stream.
const (
	EventProgramWake     = "PROGRAM_WAKE"
	EventHostUnreachable = "host_unreachable"
	EventRelayDeadLetter = "RELAY_DEAD_LETTERED"
	EventSyncReconciled  = "SYNC_RECONCILED"
	EventSyncAbandoned   = "SYNC_ABANDONED"
	EventDreamTimeout    = "DREAM_TIMEOUT"
	EventTaskReverted    = "TASK_REVERTED"
	EventSessionArchived = "SESSION_ARCHIVED"
	EventTaskCreated     = "TASK_CREATED"
	EventTaskClaimed     = "TASK_CLAIMED"
	EventTaskCompleted   = "TASK_COMPLETED"
	EventMessageSent     = "MESSAGE_SENT"
	EventSessionStarted  = "SESSION_STARTED"
	EventDreamActivated  = "DREAM_ACTIVATED"
	EventAlertRaised     = "ALERT_RAISED"
)

// Privileged program identities allowed to claim any source.
var privilegedPrograms = map[string]bool{
	"legacy": true,
	"mobile": true,
}

// IsPrivilegedProgram reports whether programID may impersonate other
// sources. The set is fixed at issuance semantics; do not widen.
func IsPrivilegedProgram(programID string) bool {
	return privilegedPrograms[programID]
}
