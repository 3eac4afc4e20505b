package broker

import "sync"

// topicRegistry maps topic -> set of subscribed usernames. Topics with no
// subscribers are dropped from the map; the persisted group record, if any,
// is untouched by registry operations.
type topicRegistry struct {
	mu     sync.Mutex
	topics map[string]map[string]struct{}
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{topics: make(map[string]map[string]struct{})}
}

// subscribe adds the user to the topic's subscriber set, creating the topic
// if needed. Idempotent.
func (r *topicRegistry) subscribe(topic, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok {
		set = make(map[string]struct{})
		r.topics[topic] = set
	}
	set[username] = struct{}{}
}

// unsubscribe removes the user; removing the last subscriber drops the
// topic key. Unsubscribing from an unknown topic is a no-op.
func (r *topicRegistry) unsubscribe(topic, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(set, username)
	if len(set) == 0 {
		delete(r.topics, topic)
	}
}

// removeUserEverywhere strips the user from every topic and garbage-collects
// the ones left empty. Called on session teardown.
func (r *topicRegistry) removeUserEverywhere(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, set := range r.topics {
		delete(set, username)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

// subscribers returns a snapshot of the topic's subscriber names, stable
// during fan-out even if the set mutates afterwards.
func (r *topicRegistry) subscribers(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

func (r *topicRegistry) isSubscribed(topic, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok {
		return false
	}
	_, sub := set[username]
	return sub
}

func (r *topicRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
