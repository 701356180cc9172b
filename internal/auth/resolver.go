package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/crypto"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/store"
)

// Bearer token shapes. The transport strips "Bearer "; the resolver
// disambiguates on the prefix and never parses further.
const (
	apiKeyPrefix   = "cb_"
	identityPrefix = "eyJ"

	// identityProgramID is the fixed program identity for provider-token
	// callers (the companion mobile app).
	identityProgramID = "mobile"
)

// TokenVerifier checks identity-provider tokens. Firebase Auth in
// production; a stub in tests.
type TokenVerifier interface {
	// Verify returns the provider UID for a valid token.
	Verify(ctx context.Context, token string) (uid string, err error)
}

// Resolver turns bearer tokens into request contexts. Every failure mode
// resolves to nil: the boundary answers 401 and the reason stays in the
// logs, never in the response.
type Resolver struct {
	store    store.Store
	verifier TokenVerifier
	sink     *ledger.Sink
}

// NewResolver wires the resolver. verifier may be nil when no identity
// provider is configured; identity tokens then always fail.
func NewResolver(st store.Store, verifier TokenVerifier, sink *ledger.Sink) *Resolver {
	return &Resolver{store: st, verifier: verifier, sink: sink}
}

// Resolve authenticates a bearer token. A nil context with a nil error
// means authentication failed.
func (r *Resolver) Resolve(ctx context.Context, token string) *Context {
	switch {
	case strings.HasPrefix(token, apiKeyPrefix):
		return r.resolveAPIKey(ctx, token)
	case strings.HasPrefix(token, identityPrefix):
		return r.resolveIdentity(ctx, token)
	default:
		return nil
	}
}

func (r *Resolver) resolveAPIKey(ctx context.Context, rawKey string) *Context {
	keyHash := crypto.HashKey(rawKey)

	doc, err := r.store.Get(ctx, core.KeyIndexPath(keyHash))
	if err != nil {
		slog.Debug("api key lookup failed", "error", err)
		return nil
	}

	var rec core.APIKeyRecord
	if err := doc.DataTo(&rec); err != nil {
		slog.Error("api key record malformed", "keyHash", keyHash, "error", err)
		return nil
	}
	if !rec.Active || rec.RevokedAt != nil {
		slog.Info("rejected inactive api key", "keyHash", keyHash, "program", rec.ProgramID)
		return nil
	}

	caps := rec.Capabilities
	if len(caps) == 0 {
		caps = DefaultCapabilities(rec.ProgramID)
	}
	tier := rec.Tier
	if tier == "" {
		tier = TierFree
	}

	ac := &Context{
		TenantUID:     r.canonicalTenant(ctx, rec.TenantUID),
		UID:           rec.TenantUID,
		ProgramID:     rec.ProgramID,
		Tier:          tier,
		Capabilities:  caps,
		EncryptionKey: crypto.DeriveAPIKeyEncryptionKey(rawKey),
		KeyHash:       keyHash,
	}

	r.touchKey(keyHash)
	return ac
}

func (r *Resolver) resolveIdentity(ctx context.Context, token string) *Context {
	if r.verifier == nil {
		slog.Warn("identity token presented but no verifier configured")
		return nil
	}
	uid, err := r.verifier.Verify(ctx, token)
	if err != nil {
		slog.Info("identity token verification failed", "error", err)
		return nil
	}

	return &Context{
		TenantUID:     r.canonicalTenant(ctx, uid),
		UID:           uid,
		ProgramID:     identityProgramID,
		Tier:          TierPro,
		Capabilities:  DefaultCapabilities(identityProgramID),
		EncryptionKey: crypto.DeriveIdentityEncryptionKey(uid),
		Identity:      true,
	}
}

// canonicalTenant maps a provider-specific UID onto its canonical tenant.
// An unmapped UID is its own tenant.
func (r *Resolver) canonicalTenant(ctx context.Context, uid string) string {
	docs, err := r.store.Query(ctx, core.ColCanonicalAccounts, store.Query{
		Filters: []store.Filter{store.Where("alternateUids", store.OpArrayContains, uid)},
		Limit:   1,
	})
	if err != nil {
		slog.Warn("canonical account lookup failed, using raw uid", "error", err)
		return uid
	}
	if len(docs) == 0 {
		return uid
	}
	var acct core.CanonicalAccount
	if err := docs[0].DataTo(&acct); err != nil || acct.CanonicalUID == "" {
		return uid
	}
	return acct.CanonicalUID
}

// touchKey bumps lastUsedAt off the request path.
func (r *Resolver) touchKey(keyHash string) {
	if r.sink == nil {
		return
	}
	path := core.KeyIndexPath(keyHash)
	r.sink.Submit("key_touch", func(ctx context.Context) error {
		return r.store.Merge(ctx, path, map[string]interface{}{
			"lastUsedAt": store.ServerTimestamp,
		})
	})
}

// VerifySource enforces the source claim: a caller-supplied source must
// equal the authenticated program unless the program is privileged. The
// binding is semantic (key issuance), not cryptographic.
func VerifySource(c *Context, claimed string) bool {
	if claimed == "" || claimed == c.ProgramID {
		return true
	}
	return core.IsPrivilegedProgram(c.ProgramID)
}
