package domain

import derrors "healthex/pkg/domain-errors"

// AccessLevel bounds the kind of access a consent grants.
type AccessLevel string

const (
	AccessRead      AccessLevel = "READ"
	AccessWrite     AccessLevel = "WRITE"
	AccessReadWrite AccessLevel = "READ_WRITE"
)

// ParseAccessLevel constructs an AccessLevel from external input.
func ParseAccessLevel(s string) (AccessLevel, error) {
	if s == "" {
		return "", derrors.New(derrors.CodeBadRequest, "access level cannot be empty")
	}
	l := AccessLevel(s)
	if !l.IsValid() {
		return "", derrors.New(derrors.CodeBadRequest, "invalid access level: must be READ, WRITE or READ_WRITE")
	}
	return l, nil
}

// IsValid checks if the access level is one of the supported enum values.
func (l AccessLevel) IsValid() bool {
	switch l {
	case AccessRead, AccessWrite, AccessReadWrite:
		return true
	}
	return false
}

// String returns the string representation.
func (l AccessLevel) String() string { return string(l) }
