// Package domain holds strongly typed identifiers and shared value objects.
//
// IDs are distinct named UUID types so the compiler rejects cross-entity
// assignment. Construct via ParseXxxID at trust boundaries; direct casting
// bypasses validation.
package domain

import (
	"github.com/google/uuid"

	derrors "healthex/pkg/domain-errors"
)

type (
	// UserID identifies a data owner.
	UserID uuid.UUID
	// CompanyID identifies a requesting organization.
	CompanyID uuid.UUID
	// ConsentID identifies a consent grant.
	ConsentID uuid.UUID
	// RequestID identifies a data request.
	RequestID uuid.UUID
	// MatchID identifies a scored request/record pairing.
	MatchID uuid.UUID
	// TransactionID identifies a payment settlement.
	TransactionID uuid.UUID
)

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, derrors.Newf(derrors.CodeBadRequest, "%s cannot be empty", what)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, derrors.Newf(derrors.CodeBadRequest, "invalid %s", what)
	}
	if u == uuid.Nil {
		return uuid.Nil, derrors.Newf(derrors.CodeBadRequest, "%s cannot be nil", what)
	}
	return u, nil
}

// ParseUserID constructs a UserID from external input.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user id")
	return UserID(u), err
}

// ParseCompanyID constructs a CompanyID from external input.
func ParseCompanyID(s string) (CompanyID, error) {
	u, err := parseUUID(s, "company id")
	return CompanyID(u), err
}

// ParseConsentID constructs a ConsentID from external input.
func ParseConsentID(s string) (ConsentID, error) {
	u, err := parseUUID(s, "consent id")
	return ConsentID(u), err
}

// ParseRequestID constructs a RequestID from external input.
func ParseRequestID(s string) (RequestID, error) {
	u, err := parseUUID(s, "request id")
	return RequestID(u), err
}

func (id UserID) String() string        { return uuid.UUID(id).String() }
func (id CompanyID) String() string     { return uuid.UUID(id).String() }
func (id ConsentID) String() string     { return uuid.UUID(id).String() }
func (id RequestID) String() string     { return uuid.UUID(id).String() }
func (id MatchID) String() string       { return uuid.UUID(id).String() }
func (id TransactionID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id CompanyID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ConsentID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id RequestID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id MatchID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id TransactionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// NewConsentID generates a fresh consent id.
func NewConsentID() ConsentID { return ConsentID(uuid.New()) }

// NewRequestID generates a fresh request id.
func NewRequestID() RequestID { return RequestID(uuid.New()) }

// NewMatchID generates a fresh match id.
func NewMatchID() MatchID { return MatchID(uuid.New()) }

// NewTransactionID generates a fresh transaction id.
func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }
