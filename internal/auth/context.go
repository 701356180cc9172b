// Package auth resolves bearer tokens into request identities and holds the
// static capability tables consulted by the gate.
package auth

// Tier names used by the rate limiter.
const (
	TierFree     = "free"
	TierPro      = "pro"
	TierInternal = "internal"
)

// Context is the resolved identity for one request. TenantUID is always the
// canonical tenant; every store path downstream is composed from it.
type Context struct {
	// TenantUID is the canonical tenant owning all data touched by this
	// request.
	TenantUID string
	// UID is the identity the token actually carried, before
	// canonicalization. Kept for audit entries.
	UID string
	// ProgramID is the agent identity bound to the credential.
	ProgramID string
	// Tier selects the rate-limit bucket.
	Tier string
	// Capabilities is the effective grant list; "*" grants everything.
	Capabilities []string
	// EncryptionKey is the derived content-encryption key for this caller.
	EncryptionKey []byte
	// KeyHash identifies the API key record, empty on the identity path.
	KeyHash string
	// Identity is true when the caller authenticated with a provider token
	// rather than an API key.
	Identity bool
}

// HasCapability reports whether the context holds cap, honoring the
// wildcard.
func (c *Context) HasCapability(cap string) bool {
	for _, held := range c.Capabilities {
		if held == "*" || held == cap {
			return true
		}
	}
	return false
}
