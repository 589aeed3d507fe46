package consent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthex/internal/audit"
	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T) (*StateMachine, *audit.InMemoryStore) {
	t.Helper()
	store := audit.NewInMemoryStore()
	m := NewStateMachine(audit.NewPublisher(store), WithClock(func() time.Time { return testNow }))
	return m, store
}

func validConsent() *Consent {
	return &Consent{
		ID:        domain.NewConsentID(),
		UserID:    mustUser(),
		CompanyID: mustCompany(),
		RequestID: domain.NewRequestID(),
		Permissions: Permissions{
			ResourceTypes: []string{"Observation", "Condition"},
			AccessLevel:   domain.AccessRead,
			DataElements:  []string{"vital-signs"},
			Purpose:       domain.PurposeTreatment,
		},
		ValidFrom: testNow.Add(time.Hour),
		ValidTo:   testNow.Add(30 * 24 * time.Hour),
	}
}

func mustUser() domain.UserID {
	id, _ := domain.ParseUserID("8a7b4c3d-1e2f-4a5b-8c9d-0e1f2a3b4c5d")
	return id
}

func mustCompany() domain.CompanyID {
	id, _ := domain.ParseCompanyID("1f2e3d4c-5b6a-4978-8c9d-aabbccddeeff")
	return id
}

func violationRules(t *testing.T, err error) []string {
	t.Helper()
	var de *derrors.Error
	require.ErrorAs(t, err, &de)
	rules := make([]string, 0, len(de.Violations))
	for _, v := range de.Violations {
		rules = append(rules, v.Rule)
	}
	return rules
}

func TestValidateGrant_AcceptsValidConsent(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.NoError(t, m.ValidateGrant(validConsent()))
}

func TestValidateGrant_TwoDayWindowAccepted(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.ValidFrom = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	c.ValidTo = time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, m.ValidateGrant(c))
}

func TestValidateGrant_OverYearRejectedWithInvalidDuration(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.ValidFrom = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.ValidTo = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	err := m.ValidateGrant(c)
	require.Error(t, err)
	assert.True(t, derrors.HasCode(err, derrors.CodeValidation))
	assert.Contains(t, violationRules(t, err), "INVALID_DURATION")
}

func TestValidateGrant_SubDayWindowRejected(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.ValidTo = c.ValidFrom.Add(12 * time.Hour)

	err := m.ValidateGrant(c)
	require.Error(t, err)
	assert.Contains(t, violationRules(t, err), "INVALID_DURATION")
}

func TestValidateGrant_ReportsAllViolations(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.UserID = domain.UserID{}
	c.Permissions.ResourceTypes = []string{"Spacecraft"}
	c.Permissions.AccessLevel = "FULL"
	c.ValidFrom = testNow.Add(time.Hour)
	c.ValidTo = testNow // inverted window

	err := m.ValidateGrant(c)
	require.Error(t, err)

	rules := violationRules(t, err)
	assert.Contains(t, rules, "MISSING_USER_ID")
	assert.Contains(t, rules, "INVALID_RESOURCE_TYPE")
	assert.Contains(t, rules, "INVALID_ACCESS_LEVEL")
	assert.Contains(t, rules, "INVALID_WINDOW")
	assert.GreaterOrEqual(t, len(rules), 4, "all violated rules must be listed, not just the first")
}

func TestValidateGrant_WindowInPast(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.ValidFrom = testNow.Add(-10 * 24 * time.Hour)
	c.ValidTo = testNow.Add(-5 * 24 * time.Hour)

	err := m.ValidateGrant(c)
	require.Error(t, err)
	assert.Contains(t, violationRules(t, err), "WINDOW_IN_PAST")
}

func TestValidateGrant_LedgerRefFormat(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.BlockchainRef = "xyz"

	err := m.ValidateGrant(c)
	require.Error(t, err)
	assert.Contains(t, violationRules(t, err), "INVALID_LEDGER_REF")

	c.BlockchainRef = strings.Repeat("ab", 32)
	assert.NoError(t, m.ValidateGrant(c))
}

func TestGrant_MovesToPendingAndAudits(t *testing.T) {
	m, store := newTestMachine(t)
	c := validConsent()

	require.NoError(t, m.Grant(context.Background(), c, "user:grant"))
	assert.Equal(t, StatusPending, c.Status)

	events := store.All()
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].FromState)
	assert.Equal(t, "PENDING", events[0].ToState)
	assert.Equal(t, "user:grant", events[0].Actor)
	assert.Equal(t, testNow, events[0].Timestamp)
}

func TestActivate_RequiresLedgerRef(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	require.NoError(t, m.Grant(context.Background(), c, "user"))

	err := m.Activate(context.Background(), c, "system")
	require.Error(t, err)
	assert.True(t, derrors.HasCode(err, derrors.CodeCompliance))
	assert.Equal(t, StatusPending, c.Status)

	c.BlockchainRef = strings.Repeat("0f", 32)
	require.NoError(t, m.Activate(context.Background(), c, "system"))
	assert.Equal(t, StatusActive, c.Status)
}

func TestRevoke_Idempotent(t *testing.T) {
	m, store := newTestMachine(t)
	c := validConsent()
	require.NoError(t, m.Grant(context.Background(), c, "user"))
	require.NoError(t, m.Revoke(context.Background(), c, "user"))
	assert.Equal(t, StatusRevoked, c.Status)

	before := len(store.All())
	// Revoking again is a no-op success, not an error.
	require.NoError(t, m.Revoke(context.Background(), c, "user"))
	assert.Equal(t, StatusRevoked, c.Status)
	assert.Len(t, store.All(), before, "repeat revoke must not emit another transition")
}

func TestExpire_TerminalStatesAreNoOps(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	require.NoError(t, m.Grant(context.Background(), c, "user"))
	require.NoError(t, m.Revoke(context.Background(), c, "user"))

	require.NoError(t, m.Expire(context.Background(), c, "scheduler"))
	assert.Equal(t, StatusRevoked, c.Status, "expire must not resurrect a revoked consent")
}

func TestSuspendResume(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.BlockchainRef = strings.Repeat("aa", 32)
	require.NoError(t, m.Grant(context.Background(), c, "user"))
	require.NoError(t, m.Activate(context.Background(), c, "system"))

	require.NoError(t, m.Suspend(context.Background(), c, "admin"))
	assert.Equal(t, StatusSuspended, c.Status)

	require.NoError(t, m.Resume(context.Background(), c, "admin"))
	assert.Equal(t, StatusActive, c.Status)
}

func TestUnderReview_Flow(t *testing.T) {
	m, _ := newTestMachine(t)

	t.Run("reachable from any non-terminal state", func(t *testing.T) {
		for _, from := range []Status{StatusPending, StatusActive, StatusSuspended} {
			c := validConsent()
			c.Status = from
			require.NoError(t, m.MarkUnderReview(context.Background(), c, "compliance-officer"), "from %s", from)
			assert.Equal(t, StatusUnderReview, c.Status)
		}
	})

	t.Run("unreachable from terminal states", func(t *testing.T) {
		c := validConsent()
		c.Status = StatusRevoked
		err := m.MarkUnderReview(context.Background(), c, "compliance-officer")
		require.Error(t, err)
		assert.True(t, derrors.HasCode(err, derrors.CodeConflict))
	})

	t.Run("resolves to pending or revoked only", func(t *testing.T) {
		c := validConsent()
		c.Status = StatusUnderReview
		err := m.ResolveReview(context.Background(), c, StatusActive, "compliance-officer")
		require.Error(t, err)

		require.NoError(t, m.ResolveReview(context.Background(), c, StatusPending, "compliance-officer"))
		assert.Equal(t, StatusPending, c.Status)
	})
}

func TestTransition_IllegalMovesRejected(t *testing.T) {
	m, _ := newTestMachine(t)
	c := validConsent()
	c.Status = StatusPending
	c.BlockchainRef = strings.Repeat("bb", 32)

	// PENDING cannot go straight to SUSPENDED.
	err := m.Suspend(context.Background(), c, "admin")
	require.Error(t, err)
	assert.True(t, derrors.HasCode(err, derrors.CodeConflict))
	assert.Equal(t, StatusPending, c.Status)
}
