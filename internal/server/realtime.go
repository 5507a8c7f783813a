package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventAddressChanged = "address-change"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "hazardmap-api"
)

// Change actions carried by address-change events.
const (
	ChangeActionCreated = "created"
	ChangeActionUpdated = "updated"
	ChangeActionDeleted = "deleted"
)

// RealtimeMessage announces a write to an address-like record. Every
// subscriber receives every message so open maps can refetch.
type RealtimeMessage struct {
	EventType string    `json:"event"`
	Kind      string    `json:"kind"`
	Action    string    `json:"action"`
	AddressID int64     `json:"address_id"`
	ActorID   int64     `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	userID int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for userID until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID int64) (<-chan RealtimeMessage, func()) {
	if userID <= 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		userID: userID,
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans message out to every subscriber. Slow subscribers drop messages.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Source == "" {
		message.Source = realtimeSourceBackend
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) register(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
