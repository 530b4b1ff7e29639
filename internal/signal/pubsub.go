// Package signal provides shutdown signaling, hot/cold tracking, and a
// tiny pub/sub used to wake up callers blocked on a resolution that another
// goroutine just completed. Grounded on common/signal (timer.go) and on
// the pubsub.Service used throughout app/dns/cache_controller.go, which was
// itself filtered out of the retrieval pack — the Subscribe/Publish/Close
// shape below is reconstructed from its call sites, not copied.
package signal

import "sync"

// Service is a topic-keyed broadcast hub: each Subscribe call on a topic
// gets its own channel; Publish delivers to every live subscriber of that
// topic without blocking on a slow reader.
type Service struct {
	mu   sync.Mutex
	subs map[string][]*Subscriber
}

// NewService creates an empty pub/sub hub.
func NewService() *Service {
	return &Service{subs: make(map[string][]*Subscriber)}
}

// Subscriber receives messages published to the topic it was created for.
type Subscriber struct {
	svc   *Service
	topic string
	ch    chan interface{}
}

// Subscribe registers a new listener for topic.
func (s *Service) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{svc: s, topic: topic, ch: make(chan interface{}, 1)}
	s.mu.Lock()
	s.subs[topic] = append(s.subs[topic], sub)
	s.mu.Unlock()
	return sub
}

// Publish delivers message to every current subscriber of topic. Slow or
// full subscribers are skipped rather than blocking the publisher.
func (s *Service) Publish(topic string, message interface{}) {
	s.mu.Lock()
	subs := append([]*Subscriber(nil), s.subs[topic]...)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- message:
		default:
		}
	}
}

// Wait returns the channel this subscriber receives messages on.
func (s *Subscriber) Wait() <-chan interface{} {
	return s.ch
}

// Close unregisters the subscriber. Safe to call once.
func (s *Subscriber) Close() {
	s.svc.mu.Lock()
	defer s.svc.mu.Unlock()
	subs := s.svc.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.svc.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
