package broker

import (
	"errors"
	"sync"
)

// ErrUsernameTaken is returned when a LOGIN names a username that already
// has an active session.
var ErrUsernameTaken = errors.New("broker: username already taken")

// clientRegistry is the bidirectional username <-> session mapping. At most
// one session per username; a session is bound to at most one username.
type clientRegistry struct {
	mu     sync.Mutex
	byName map[string]*session
	byConn map[*session]string
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{
		byName: make(map[string]*session),
		byConn: make(map[*session]string),
	}
}

// add claims username for s. Both directions are recorded on success.
func (r *clientRegistry) add(username string, s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[username]; taken {
		return ErrUsernameTaken
	}
	r.byName[username] = s
	r.byConn[s] = username
	return nil
}

// remove unbinds s and returns the username it held, or "" if none.
func (r *clientRegistry) remove(s *session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	username, ok := r.byConn[s]
	if !ok {
		return ""
	}
	delete(r.byName, username)
	delete(r.byConn, s)
	return username
}

func (r *clientRegistry) get(username string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[username]
	return s, ok
}

func (r *clientRegistry) nameOf(s *session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[s]
}

// snapshot returns a stable copy of the username -> session mapping for
// iteration during fan-out.
func (r *clientRegistry) snapshot() map[string]*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*session, len(r.byName))
	for name, s := range r.byName {
		out[name] = s
	}
	return out
}

func (r *clientRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}
