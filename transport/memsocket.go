package transport

import (
	"sync"
)

// MemDealer is an in-memory Dealer used by the session-layer tests and
// for loopback operation without a broker. The peer side is driven
// through Deliver and Fail; everything written with Send is recorded.
type MemDealer struct {
	mu      sync.Mutex
	msgs    chan Frames
	errs    chan error
	sent    [][]byte
	sendErr error
	closed  bool
}

// NewMemDealer creates a connected in-memory dealer socket.
func NewMemDealer() *MemDealer {
	return &MemDealer{
		msgs: make(chan Frames, 64),
		errs: make(chan error, 1),
	}
}

func (d *MemDealer) Messages() <-chan Frames { return d.msgs }
func (d *MemDealer) Errors() <-chan error    { return d.errs }

func (d *MemDealer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.msgs)
	return nil
}

func (d *MemDealer) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNotConnected
	}
	if d.sendErr != nil {
		return d.sendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	d.sent = append(d.sent, cp)
	return nil
}

// Deliver injects one single-frame message from the peer.
func (d *MemDealer) Deliver(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.msgs <- Frames{payload}
}

// Fail injects a transport failure.
func (d *MemDealer) Fail(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

// FailSends makes every following Send return err.
func (d *MemDealer) FailSends(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

// Sent returns a copy of all payloads written so far.
func (d *MemDealer) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

// Closed reports whether the socket has been closed.
func (d *MemDealer) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// MemSub is an in-memory Sub counterpart to MemDealer. Subscription
// changes are recorded in order so tests can assert the byte-exact
// unsubscribe/subscribe discipline.
type MemSub struct {
	mu     sync.Mutex
	msgs   chan Frames
	errs   chan error
	topics map[string]struct{}
	log    []string
	closed bool
}

// NewMemSub creates a connected in-memory subscriber socket.
func NewMemSub() *MemSub {
	return &MemSub{
		msgs:   make(chan Frames, 64),
		errs:   make(chan error, 1),
		topics: make(map[string]struct{}),
	}
}

func (s *MemSub) Messages() <-chan Frames { return s.msgs }
func (s *MemSub) Errors() <-chan error    { return s.errs }

func (s *MemSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.msgs)
	return nil
}

func (s *MemSub) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
	s.log = append(s.log, "+"+topic)
	return nil
}

func (s *MemSub) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
	s.log = append(s.log, "-"+topic)
	return nil
}

// Deliver injects one topic-framed message from the publisher.
func (s *MemSub) Deliver(topic string, payload []byte) {
	s.DeliverFrames(Frames{[]byte(topic), payload})
}

// DeliverFrames injects a raw multipart message.
func (s *MemSub) DeliverFrames(frames Frames) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.msgs <- frames
}

// Fail injects a transport failure.
func (s *MemSub) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Topics returns the currently subscribed topics.
func (s *MemSub) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	return out
}

// SubscriptionLog returns the ordered subscription changes, "+topic"
// for subscribes and "-topic" for unsubscribes.
func (s *MemSub) SubscriptionLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// Closed reports whether the socket has been closed.
func (s *MemSub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
