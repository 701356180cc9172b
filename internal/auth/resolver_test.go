package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/crypto"
	"github.com/cachebash/backend/internal/store"
)

type stubVerifier struct {
	uid string
	err error
}

func (v stubVerifier) Verify(context.Context, string) (string, error) { return v.uid, v.err }

func seedKey(t *testing.T, st *store.Memstore, rawKey string, rec map[string]interface{}) {
	t.Helper()
	err := st.Set(context.Background(), core.KeyIndexPath(crypto.HashKey(rawKey)), rec)
	require.NoError(t, err)
}

func TestResolveAPIKey(t *testing.T) {
	st := store.NewMemstore()
	seedKey(t, st, "cb_live_abc", map[string]interface{}{
		"tenantUid": "tenant1",
		"programId": "builder",
		"tier":      TierPro,
		"active":    true,
	})
	r := NewResolver(st, nil, nil)

	ac := r.Resolve(context.Background(), "cb_live_abc")
	require.NotNil(t, ac)
	assert.Equal(t, "tenant1", ac.TenantUID)
	assert.Equal(t, "builder", ac.ProgramID)
	assert.Equal(t, TierPro, ac.Tier)
	assert.Equal(t, crypto.HashKey("cb_live_abc"), ac.KeyHash)
	assert.Equal(t, crypto.DeriveAPIKeyEncryptionKey("cb_live_abc"), ac.EncryptionKey)
	assert.False(t, ac.Identity)
	// No explicit grants: the program falls back to the standard worker set.
	assert.True(t, ac.HasCapability("dispatch.write"))
	assert.False(t, ac.HasCapability("dream.write"))
}

func TestResolveRejectsBadTokens(t *testing.T) {
	st := store.NewMemstore()
	seedKey(t, st, "cb_inactive", map[string]interface{}{
		"tenantUid": "tenant1", "programId": "builder", "active": false,
	})
	seedKey(t, st, "cb_revoked", map[string]interface{}{
		"tenantUid": "tenant1", "programId": "builder", "active": true,
		"revokedAt": "2026-01-01T00:00:00Z",
	})
	r := NewResolver(st, nil, nil)

	for _, token := range []string{
		"",                // empty
		"garbage",         // unknown shape
		"cb_unknown",      // no key record
		"cb_inactive",     // deactivated
		"cb_revoked",      // revoked
		"eyJhbGciOiJSUzI", // identity token with no verifier
	} {
		assert.Nil(t, r.Resolve(context.Background(), token), "token %q", token)
	}
}

func TestResolveAPIKeyDefaultsTierToFree(t *testing.T) {
	st := store.NewMemstore()
	seedKey(t, st, "cb_notier", map[string]interface{}{
		"tenantUid": "tenant1", "programId": "scout", "active": true,
	})
	r := NewResolver(st, nil, nil)

	ac := r.Resolve(context.Background(), "cb_notier")
	require.NotNil(t, ac)
	assert.Equal(t, TierFree, ac.Tier)
}

func TestResolveAPIKeyHonorsExplicitCapabilities(t *testing.T) {
	st := store.NewMemstore()
	seedKey(t, st, "cb_narrow", map[string]interface{}{
		"tenantUid": "tenant1", "programId": "scout", "active": true,
		"capabilities": []string{"relay.read"},
	})
	r := NewResolver(st, nil, nil)

	ac := r.Resolve(context.Background(), "cb_narrow")
	require.NotNil(t, ac)
	assert.True(t, ac.HasCapability("relay.read"))
	assert.False(t, ac.HasCapability("dispatch.write"))
}

func TestResolveIdentityToken(t *testing.T) {
	st := store.NewMemstore()
	r := NewResolver(st, stubVerifier{uid: "firebase-uid-1"}, nil)

	ac := r.Resolve(context.Background(), "eyJhbGciOiJSUzI1NiJ9.payload.sig")
	require.NotNil(t, ac)
	assert.Equal(t, "firebase-uid-1", ac.TenantUID)
	assert.Equal(t, "mobile", ac.ProgramID)
	assert.Equal(t, TierPro, ac.Tier)
	assert.True(t, ac.Identity)
	assert.True(t, ac.HasCapability("dream.write"), "mobile holds the wildcard")
}

func TestResolveIdentityVerifierFailure(t *testing.T) {
	st := store.NewMemstore()
	r := NewResolver(st, stubVerifier{err: errors.New("expired")}, nil)
	assert.Nil(t, r.Resolve(context.Background(), "eyJhbGciOiJSUzI1NiJ9.payload.sig"))
}

func TestCanonicalTenantMapping(t *testing.T) {
	st := store.NewMemstore()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, core.CanonicalAccountPath(crypto.HashEmail("user@example.com")),
		map[string]interface{}{
			"canonicalUid":  "canonical-1",
			"alternateUids": []string{"firebase-uid-1", "firebase-uid-2"},
		}))
	seedKey(t, st, "cb_alt", map[string]interface{}{
		"tenantUid": "firebase-uid-2", "programId": "builder", "active": true,
	})
	r := NewResolver(st, stubVerifier{uid: "firebase-uid-1"}, nil)

	// Both credential shapes land on the canonical tenant.
	ac := r.Resolve(ctx, "eyJhbGciOiJSUzI1NiJ9.payload.sig")
	require.NotNil(t, ac)
	assert.Equal(t, "canonical-1", ac.TenantUID)
	assert.Equal(t, "firebase-uid-1", ac.UID)

	ac = r.Resolve(ctx, "cb_alt")
	require.NotNil(t, ac)
	assert.Equal(t, "canonical-1", ac.TenantUID)
	assert.Equal(t, "firebase-uid-2", ac.UID)
}

func TestVerifySource(t *testing.T) {
	worker := &Context{ProgramID: "builder"}
	assert.True(t, VerifySource(worker, ""))
	assert.True(t, VerifySource(worker, "builder"))
	assert.False(t, VerifySource(worker, "oracle"))

	for _, privileged := range []string{"legacy", "mobile"} {
		c := &Context{ProgramID: privileged}
		assert.True(t, VerifySource(c, "oracle"), privileged)
	}
}

func TestCheckCapability(t *testing.T) {
	cases := []struct {
		name    string
		caps    []string
		tool    string
		allowed bool
	}{
		{"wildcard grants everything", []string{"*"}, "dream_activate", true},
		{"exact grant", []string{"dispatch.write"}, "create_task", true},
		{"missing grant", []string{"dispatch.read"}, "create_task", false},
		{"untabled tool passes", []string{}, "initialize", true},
		{"dream write denied to workers", DefaultCapabilities("builder"), "dream_activate", false},
		{"dream write granted to sentinel", DefaultCapabilities("sentinel"), "dream_activate", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := CheckCapability(&Context{Capabilities: tc.caps}, tc.tool)
			assert.Equal(t, tc.allowed, res.Allowed)
			if !res.Allowed {
				assert.Equal(t, RequiredCapability(tc.tool), res.Required)
			}
		})
	}
}

func TestEveryToolHasModuleDotActionShape(t *testing.T) {
	for _, tool := range ToolNames() {
		cap := RequiredCapability(tool)
		require.NotEmpty(t, cap, tool)
		assert.Regexp(t, `^[a-z]+\.(read|write)$`, cap, tool)
	}
}
