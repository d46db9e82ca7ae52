package store

// Subscription describes a registered receiver of webhook deliveries.
type Subscription struct {
	ID string `json:"id"`

	// TargetURL points to the endpoint accepting deliveries, must be absolute.
	TargetURL string `json:"target_url"`

	// Secret, if set, is used to produce a signature header over the payload.
	Secret string `json:"secret,omitempty"`

	// Events limits the subscription to the listed event types,
	// empty list means "match all".
	Events []string `json:"events,omitempty"`
}

// Matches reports whether the subscription accepts the given event type.
// An empty filter matches everything; an empty event type is never filtered
// out, as the producer didn't specify it.
func (s Subscription) Matches(eventType string) bool {
	if len(s.Events) == 0 || eventType == "" {
		return true
	}
	for _, ev := range s.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}
