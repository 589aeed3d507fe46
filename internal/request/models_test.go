package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func validRequest() *DataRequest {
	return &DataRequest{
		ID:                  domain.NewRequestID(),
		CompanyID:           domain.CompanyID(domain.NewRequestID()),
		Purpose:             domain.PurposeResearch,
		Filter:              FilterCriteria{ResourceTypes: []string{"Observation"}},
		Status:              StatusActive,
		MaxRecords:          100,
		PricePerRecordCents: 250,
		CreatedAt:           testNow,
		ExpiresAt:           testNow.Add(7 * 24 * time.Hour),
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate(testNow))
}

func TestValidate_CollectsViolations(t *testing.T) {
	r := validRequest()
	r.CompanyID = domain.CompanyID{}
	r.Purpose = "mining"
	r.MaxRecords = 0
	r.ExpiresAt = testNow.Add(-time.Hour)

	err := r.Validate(testNow)
	require.Error(t, err)

	var derr *derrors.Error
	require.ErrorAs(t, err, &derr)
	rules := make([]string, 0, len(derr.Violations))
	for _, v := range derr.Violations {
		rules = append(rules, v.Rule)
	}
	assert.ElementsMatch(t, rules, []string{
		"MISSING_COMPANY_ID", "INVALID_PURPOSE", "INVALID_MAX_RECORDS", "INVALID_EXPIRY",
	})
}

func TestValidate_ExpiryBeyondMaxTTL(t *testing.T) {
	r := validRequest()
	r.ExpiresAt = testNow.Add(MaxTTL + time.Hour)

	err := r.Validate(testNow)
	require.Error(t, err)

	var derr *derrors.Error
	require.ErrorAs(t, err, &derr)
	require.Len(t, derr.Violations, 1)
	assert.Equal(t, "INVALID_EXPIRY", derr.Violations[0].Rule)
	assert.Contains(t, derr.Violations[0].Message, "within 30 days")
}

func TestFilterNormalize(t *testing.T) {
	f := FilterCriteria{
		Conditions:    []string{" Diabetes ", "diabetes", "HYPERTENSION", ""},
		ResourceTypes: []string{"Observation", " Observation", "Condition"},
	}
	f.Normalize()

	assert.Equal(t, []string{"diabetes", "hypertension"}, f.Conditions)
	assert.Equal(t, []string{"Observation", "Condition"}, f.ResourceTypes)
}

func TestExpired(t *testing.T) {
	r := validRequest()
	assert.False(t, r.Expired(testNow))
	assert.True(t, r.Expired(r.ExpiresAt))
}
