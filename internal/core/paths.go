package core

import "fmt"

// Persisted layout. Every tenant-scoped path is composed from the canonical
// UID, never the raw token uid.

// Subcollection names under tenants/{uid}.
const (
	ColTasks           = "tasks"
	ColRelay           = "relay"
	ColSessions        = "sessions"
	ColLedger          = "ledger"
	ColMCPSessions     = "mcp_sessions"
	ColClaimEvents     = "claim_events"
	ColSyncQueue       = "sync_queue"
	ColUsage           = "usage"
	ColAnalyticsEvents = "analytics_events"
	ColDevices         = "devices"
	ColDeadLetters     = "dead_letters"
)

// Global collections.
const (
	ColKeyIndex          = "keyIndex"
	ColCanonicalAccounts = "canonical_accounts"
)

func TenantPath(uid string) string { return "tenants/" + uid }

func TasksPath(uid string) string    { return fmt.Sprintf("tenants/%s/%s", uid, ColTasks) }
func RelayPath(uid string) string    { return fmt.Sprintf("tenants/%s/%s", uid, ColRelay) }
func SessionsPath(uid string) string { return fmt.Sprintf("tenants/%s/%s", uid, ColSessions) }
func LedgerPath(uid string) string   { return fmt.Sprintf("tenants/%s/%s", uid, ColLedger) }

func TaskPath(uid, id string) string    { return TasksPath(uid) + "/" + id }
func MessagePath(uid, id string) string { return RelayPath(uid) + "/" + id }
func SessionPath(uid, id string) string { return SessionsPath(uid) + "/" + id }

func MCPSessionsPath(uid string) string     { return fmt.Sprintf("tenants/%s/%s", uid, ColMCPSessions) }
func MCPSessionPath(uid, sid string) string { return MCPSessionsPath(uid) + "/" + sid }

func ClaimEventsPath(uid string) string { return fmt.Sprintf("tenants/%s/%s", uid, ColClaimEvents) }
func SyncQueuePath(uid string) string   { return fmt.Sprintf("tenants/%s/%s", uid, ColSyncQueue) }
func UsagePath(uid, month string) string {
	return fmt.Sprintf("tenants/%s/%s/%s", uid, ColUsage, month)
}
func AnalyticsPath(uid string) string   { return fmt.Sprintf("tenants/%s/%s", uid, ColAnalyticsEvents) }
func DeadLettersPath(uid string) string { return fmt.Sprintf("tenants/%s/%s", uid, ColDeadLetters) }

func KeyIndexPath(keyHash string) string { return ColKeyIndex + "/" + keyHash }
func CanonicalAccountPath(emailHash string) string {
	return ColCanonicalAccounts + "/" + emailHash
}
