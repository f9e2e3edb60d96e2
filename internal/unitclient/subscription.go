package unitclient

import "sync"

// Listener receives the accepted content of one (dataId, group) whenever it
// changes. Delivery is always deferred to a later goroutine scheduling than
// the call that detected the change (§5).
type Listener func(content []byte)

// subscription is one row of §3's Subscription: at most one per (dataId,
// group) inside a UnitClient, holding the last accepted md5/content and an
// unordered set of listeners.
type subscription struct {
	dataID string
	group  string

	mu      sync.Mutex
	hasMD5  bool
	md5     string
	content []byte

	nextListenerID uint64
	listeners      map[uint64]Listener
}

func newSubscription(dataID, group string) *subscription {
	return &subscription{
		dataID:    dataID,
		group:     group,
		listeners: make(map[uint64]Listener),
	}
}

// addListener registers listener and returns a token identifying it so the
// caller can later remove exactly this one (Go function values aren't
// comparable, so identity is tracked by this token rather than the func
// itself).
func (s *subscription) addListener(l Listener) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = l
	return id
}

// removeListener removes one listener by token and reports whether any
// listeners remain.
func (s *subscription) removeListener(id uint64) (remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
	return len(s.listeners)
}

// removeAllListeners clears every listener and reports the count removed.
func (s *subscription) removeAllListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.listeners)
	s.listeners = make(map[uint64]Listener)
	return n
}

func (s *subscription) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *subscription) listenersSnapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// snapshotState returns whether a value has ever been accepted, the md5 used
// on the wire (empty string stands for "no value yet"), and the content.
func (s *subscription) snapshotState() (hasMD5 bool, md5 string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMD5, s.md5, s.content
}

// accept records a newly fetched value and reports whether it differs from
// the previously accepted one (the MD5 debounce of §4.5 step 4).
func (s *subscription) accept(content []byte, md5 string) (changed bool, listeners []Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasMD5 && s.md5 == md5 {
		return false, nil
	}
	s.hasMD5 = true
	s.md5 = md5
	s.content = content
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return true, out
}

func (s *subscription) singleListener(id uint64) (Listener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.listeners[id]
	return fn, ok
}
