package hub

import "sync"

// Group naming for broadcast fan-out. Every connection joins topicAll on
// accept; registration adds the app and device groups, authentication the
// user group.
const topicAll = "All"

func topicApp(appName string) string { return "App_" + appName }

func topicDevice(deviceType string) string { return "Device_" + deviceType }

func topicUser(userID string) string { return "User_" + userID }

// topics is the group membership table. Empty member sets are removed so
// the table never holds dangling topics.
type topics struct {
	mu      sync.RWMutex
	members map[string]map[string]*session
}

func newTopics() *topics {
	return &topics{members: make(map[string]map[string]*session)}
}

func (t *topics) join(topic string, s *session) {
	if topic == "" || s == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.members[topic]
	if !ok {
		set = make(map[string]*session)
		t.members[topic] = set
	}
	set[s.id] = s
}

func (t *topics) leave(topic string, s *session) {
	if topic == "" || s == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.members[topic]
	if !ok {
		return
	}
	delete(set, s.id)
	if len(set) == 0 {
		delete(t.members, topic)
	}
}

func (t *topics) leaveAll(s *session) {
	if s == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for topic, set := range t.members {
		delete(set, s.id)
		if len(set) == 0 {
			delete(t.members, topic)
		}
	}
}

// snapshot returns the current members of a topic for lock-free iteration.
func (t *topics) snapshot(topic string) []*session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.members[topic]
	out := make([]*session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}
