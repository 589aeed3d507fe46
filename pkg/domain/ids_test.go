package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "healthex/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// IDs must be valid, non-empty, non-nil UUIDs.
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseUserID("")
		require.Error(t, err)
		assert.True(t, derrors.HasCode(err, derrors.CodeBadRequest))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseCompanyID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, derrors.HasCode(err, derrors.CodeBadRequest))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseConsentID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, derrors.HasCode(err, derrors.CodeBadRequest))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseUserID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, UserID(validUUID), id)
	})
}

// TestTypeDistinction verifies the compiler enforces type safety between
// entity id types. If this compiles, the invariant holds.
func TestTypeDistinction(t *testing.T) {
	userID := UserID(uuid.New())
	companyID := CompanyID(uuid.New())

	// These would fail to compile if types were interchangeable:
	// var _ UserID = companyID   // compile error
	// var _ CompanyID = userID   // compile error

	assert.NotEqual(t, uuid.UUID(userID), uuid.UUID(companyID))
}

func TestIsNil(t *testing.T) {
	assert.True(t, UserID{}.IsNil())
	assert.True(t, CompanyID{}.IsNil())
	assert.True(t, ConsentID{}.IsNil())
	assert.True(t, RequestID{}.IsNil())
	assert.True(t, MatchID{}.IsNil())
	assert.True(t, TransactionID{}.IsNil())

	assert.False(t, NewConsentID().IsNil())
	assert.False(t, NewMatchID().IsNil())
	assert.False(t, NewTransactionID().IsNil())
}

func TestParsePurpose(t *testing.T) {
	t.Run("accepts supported purposes", func(t *testing.T) {
		for _, s := range []string{"treatment", "research", "billing", "operations", "public_health", "cross_border_transfer"} {
			p, err := ParsePurpose(s)
			require.NoError(t, err)
			assert.True(t, p.IsValid())
		}
	})

	t.Run("rejects unknown purpose", func(t *testing.T) {
		_, err := ParsePurpose("advertising")
		require.Error(t, err)
		assert.True(t, derrors.HasCode(err, derrors.CodeBadRequest))
	})

	t.Run("research and cross-border require strict compliance", func(t *testing.T) {
		assert.True(t, PurposeResearch.RequiresStrictCompliance())
		assert.True(t, PurposeCrossBorder.RequiresStrictCompliance())
		assert.False(t, PurposeTreatment.RequiresStrictCompliance())
	})
}

func TestParseAccessLevel(t *testing.T) {
	for _, s := range []string{"READ", "WRITE", "READ_WRITE"} {
		l, err := ParseAccessLevel(s)
		require.NoError(t, err)
		assert.True(t, l.IsValid())
	}

	_, err := ParseAccessLevel("ADMIN")
	require.Error(t, err)
}
