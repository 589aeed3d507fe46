package matching

import (
	"sort"
	"strings"
	"time"

	"healthex/internal/compliance"
	"healthex/internal/request"
	"healthex/pkg/domain"
)

// Component weights. Demographics and conditions dominate; recency of the
// record contributes the rest.
const (
	weightDemographics = 0.4
	weightConditions   = 0.4
	weightDates        = 0.2
)

// Engine scores candidates against requests. Pure and safe for concurrent
// use; the only injected dependency is the clock.
type Engine struct {
	now func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score computes the weighted component scores for one candidate.
func (e *Engine) Score(req *request.DataRequest, rec Record) (Components, float64) {
	c := Components{
		Demographics: demographicsScore(req.Filter.Demographics, rec.Demographics),
		Conditions:   conditionsScore(req.Filter.Conditions, rec.Conditions),
		Dates:        datesScore(req.Filter.Dates, rec.UpdatedAt),
	}
	total := weightDemographics*c.Demographics + weightConditions*c.Conditions + weightDates*c.Dates
	return c, total
}

// FindMatches scores every candidate and returns matches for those clearing
// both the match threshold and the minimum compliance floor, best first,
// capped at MaxMatchesPerRequest. Ties break toward fresher data (later
// UpdatedAt), then lower record ref for determinism.
func (e *Engine) FindMatches(req *request.DataRequest, candidates []Record) []Match {
	type scored struct {
		rec        Record
		components Components
		total      float64
	}

	eligible := make([]scored, 0, len(candidates))
	for _, rec := range candidates {
		components, total := e.Score(req, rec)
		if total < MatchThreshold {
			continue
		}
		if rec.ComplianceScore < compliance.ThresholdMinimum {
			continue
		}
		eligible = append(eligible, scored{rec: rec, components: components, total: total})
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.total != b.total {
			return a.total > b.total
		}
		if !a.rec.UpdatedAt.Equal(b.rec.UpdatedAt) {
			return a.rec.UpdatedAt.After(b.rec.UpdatedAt)
		}
		return a.rec.Ref < b.rec.Ref
	})

	limit := MaxMatchesPerRequest
	if req.MaxRecords > 0 && req.MaxRecords < limit {
		limit = req.MaxRecords
	}
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	now := e.now()
	matches := make([]Match, 0, len(eligible))
	for _, s := range eligible {
		matches = append(matches, Match{
			ID:              domain.NewMatchID(),
			RequestID:       req.ID,
			RecordRef:       s.rec.Ref,
			Score:           s.total,
			Components:      s.components,
			ComplianceScore: s.rec.ComplianceScore,
			CreatedAt:       now,
			ExpiresAt:       now.Add(MatchExpiry),
		})
	}
	return matches
}

// demographicsScore combines range comparison on age with exact comparison
// on sex and fuzzy comparison on region. Unset filter fields count as full
// matches so a narrow filter is never penalized for what it does not ask.
func demographicsScore(f request.DemographicFilter, d Demographics) float64 {
	parts := 0
	total := 0.0

	if f.MinAge > 0 || f.MaxAge > 0 {
		parts++
		total += rangeScore(d.Age, f.MinAge, f.MaxAge)
	}
	if f.Sex != "" {
		parts++
		total += exactScore(f.Sex, d.Sex)
	}
	if f.Region != "" {
		parts++
		total += fuzzyScore(f.Region, d.Region)
	}

	if parts == 0 {
		return 1
	}
	return total / float64(parts)
}

// conditionsScore is the fraction of requested conditions present on the
// record. An empty filter matches fully.
func conditionsScore(wanted, have []string) float64 {
	if len(wanted) == 0 {
		return 1
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[strings.ToLower(c)] = true
	}
	hits := 0
	for _, c := range wanted {
		if set[strings.ToLower(c)] {
			hits++
		}
	}
	return float64(hits) / float64(len(wanted))
}

// datesScore checks the record's recency against the requested range: full
// score inside the range, linear decay up to 30 days outside it.
func datesScore(r request.DateRange, updatedAt time.Time) float64 {
	if r.From.IsZero() && r.To.IsZero() {
		return 1
	}

	var distance time.Duration
	switch {
	case !r.From.IsZero() && updatedAt.Before(r.From):
		distance = r.From.Sub(updatedAt)
	case !r.To.IsZero() && updatedAt.After(r.To):
		distance = updatedAt.Sub(r.To)
	default:
		return 1
	}

	const decayWindow = 30 * 24 * time.Hour
	if distance >= decayWindow {
		return 0
	}
	return 1 - float64(distance)/float64(decayWindow)
}

func exactScore(want, have string) float64 {
	if strings.EqualFold(want, have) {
		return 1
	}
	return 0
}

// fuzzyScore gives full credit for a case-insensitive match and half credit
// when one value contains the other (e.g. "bavaria" vs "bavaria-south").
func fuzzyScore(want, have string) float64 {
	w, h := strings.ToLower(strings.TrimSpace(want)), strings.ToLower(strings.TrimSpace(have))
	switch {
	case w == "" || h == "":
		return 0
	case w == h:
		return 1
	case strings.Contains(h, w) || strings.Contains(w, h):
		return 0.5
	default:
		return 0
	}
}

func rangeScore(value, min, max int) float64 {
	if min > 0 && value < min {
		return 0
	}
	if max > 0 && value > max {
		return 0
	}
	return 1
}
