// Package filter decides whether an event reaches a particular consumer.
// Matching is a pure function of its inputs: it performs no I/O and the
// same (subscription, event) pair always yields the same answer.
package filter

import (
	"encoding/json"
	"slices"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

// payloadFields are the event payload fields the outbound predicates look
// at. Missing fields decode to zero values and simply fail the predicates
// that need them.
type payloadFields struct {
	Platform    string   `json:"platform"`
	ContentType string   `json:"content_type"`
	Tags        []string `json:"tags"`
	Engagement  *float64 `json:"engagement"`
}

// Matches evaluates the subscription's predicates against the event, in
// order: event-type membership, platform, content type, tag intersection,
// minimum engagement. Event-type matching is exact; outbound subscriptions
// have no wildcards.
func Matches(sub *domain.Subscription, ev domain.Event) bool {
	if !slices.Contains(sub.Events, ev.Type) {
		return false
	}
	if sub.Filters == nil {
		return true
	}

	var fields payloadFields
	// A payload that fails to decode has none of the filterable fields;
	// the predicates below then fail individually.
	_ = json.Unmarshal(ev.Payload, &fields)

	f := sub.Filters
	if len(f.Platforms) > 0 && !slices.Contains(f.Platforms, fields.Platform) {
		return false
	}
	if len(f.ContentTypes) > 0 && !slices.Contains(f.ContentTypes, fields.ContentType) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, fields.Tags) {
		return false
	}
	if f.MinEngagement != nil {
		if fields.Engagement == nil || *fields.Engagement < *f.MinEngagement {
			return false
		}
	}
	return true
}

func intersects(want, have []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
