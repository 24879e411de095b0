package remote

// EventKey identifies one broadcast for subscription matching.
type EventKey struct {
	TaskID    string
	ProjectID string
	Type      MessageType
}

// Subscription is a connection's interest filter: three independent sets
// over task ids, project ids, and event types. An empty set is a
// wildcard that matches everything, so a client with no explicit
// interest still receives all events. Entries are trimmed and never
// empty.
type Subscription struct {
	TaskIDs    map[string]struct{}
	ProjectIDs map[string]struct{}
	EventTypes map[string]struct{}
}

func newSubscription() Subscription {
	return Subscription{
		TaskIDs:    make(map[string]struct{}),
		ProjectIDs: make(map[string]struct{}),
		EventTypes: make(map[string]struct{}),
	}
}

// Matches reports whether the subscription accepts the event. Each
// clause is evaluated independently; an empty set passes its clause
// trivially.
func (s Subscription) Matches(ev EventKey) bool {
	if len(s.TaskIDs) > 0 {
		if _, ok := s.TaskIDs[ev.TaskID]; !ok {
			return false
		}
	}
	if len(s.ProjectIDs) > 0 {
		if _, ok := s.ProjectIDs[ev.ProjectID]; !ok {
			return false
		}
	}
	if len(s.EventTypes) > 0 {
		if _, ok := s.EventTypes[string(ev.Type)]; !ok {
			return false
		}
	}
	return true
}

func (s Subscription) clone() Subscription {
	out := newSubscription()
	for k := range s.TaskIDs {
		out.TaskIDs[k] = struct{}{}
	}
	for k := range s.ProjectIDs {
		out.ProjectIDs[k] = struct{}{}
	}
	for k := range s.EventTypes {
		out.EventTypes[k] = struct{}{}
	}
	return out
}
