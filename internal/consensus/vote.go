package consensus

import (
	"time"

	"github.com/joseph-ayodele/transcriber/internal/entity"
)

type tally struct {
	value   *string
	count   int
	firstAt time.Time
	firstID int64
}

func (t *tally) earlier(s *entity.Submission) bool {
	if s.DateAdded.Equal(t.firstAt) {
		return s.ID < t.firstID
	}
	return s.DateAdded.Before(t.firstAt)
}

func valueKey(v *string) string {
	if v == nil {
		return "\x00null"
	}
	return "=" + *v
}

// Vote computes the majority value of every field. A field is accepted when
// its most frequent value has at least threshold supporters; among equally
// frequent values the one submitted first wins. It returns the accepted
// values and the fields that fell short, in field order.
func Vote(fields []string, raw []*entity.Submission, threshold int) (map[string]entity.FieldValue, []string) {
	accepted := make(map[string]entity.FieldValue, len(fields))
	var disputed []string

	for _, field := range fields {
		tallies := map[string]*tally{}
		var blank, notLegible, altered int
		for _, s := range raw {
			v := s.Values[field]
			if v.Blank {
				blank++
			}
			if v.NotLegible {
				notLegible++
			}
			if v.Altered {
				altered++
			}
			key := valueKey(v.Value)
			t, ok := tallies[key]
			if !ok {
				t = &tally{value: v.Value, firstAt: s.DateAdded, firstID: s.ID}
				tallies[key] = t
			} else if t.earlier(s) {
				t.firstAt, t.firstID = s.DateAdded, s.ID
			}
			t.count++
		}

		var best *tally
		for _, t := range tallies {
			switch {
			case best == nil, t.count > best.count:
				best = t
			case t.count == best.count && (t.firstAt.Before(best.firstAt) ||
				(t.firstAt.Equal(best.firstAt) && t.firstID < best.firstID)):
				best = t
			}
		}
		if best == nil || best.count < threshold {
			disputed = append(disputed, field)
			continue
		}
		accepted[field] = entity.FieldValue{
			Value:      best.value,
			Blank:      blank >= threshold,
			NotLegible: notLegible >= threshold,
			Altered:    altered >= threshold,
		}
	}
	return accepted, disputed
}

// DistinctValues lists each field's distinct raw values in order of first
// submission, keeping only fields with more than one.
func DistinctValues(fields []string, raw []*entity.Submission) map[string][]*string {
	out := map[string][]*string{}
	for _, field := range fields {
		seen := map[string]bool{}
		var vals []*string
		for _, s := range raw {
			v := s.Values[field].Value
			k := valueKey(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			vals = append(vals, v)
		}
		if len(vals) > 1 {
			out[field] = vals
		}
	}
	return out
}
