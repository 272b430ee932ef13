package eventbridge

import (
	"strings"
	"sync"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
	defaultHistoryLimit       = 200
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers run events to subscribers with buffering, deduplication,
// and bounded channel semantics. Events are keyed by run ID.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	history      []Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	historyLimit int
	logger       Logger
}

// Subscription represents an active run subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// RouterWithHistoryLimit controls how many events Recent can return.
func RouterWithHistoryLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.historyLimit = limit
		}
	}
}

// Subscribe registers for events of one run.
func (r *Router) Subscribe(runID string) Subscription {
	run := normalizeRun(runID)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []Event
	r.mu.Lock()
	if r.subscribers[run] == nil {
		r.subscribers[run] = map[*subscriber]struct{}{}
	}
	r.subscribers[run][sub] = struct{}{}
	if existing := r.backlog[run]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, run)
	}
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(run, sub)
		},
	}
}

// Publish satisfies runner.Publisher.
func (r *Router) Publish(event Event) {
	r.Route(event)
}

// Route delivers the event to subscribers or buffers it when no subscriber exists.
func (r *Router) Route(event Event) {
	if event.EventID != "" && r.isDuplicate(event.EventID) {
		return
	}
	run := normalizeRun(event.RunID)
	if run == "" {
		return
	}
	r.remember(event)
	r.mu.RLock()
	subs := r.snapshotSubscribers(run)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(run, event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Recent returns up to limit of the most recently routed events, oldest first.
func (r *Router) Recent(limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]Event, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}

func (r *Router) remember(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, event)
	if len(r.history) > r.historyLimit {
		r.history = r.history[len(r.history)-r.historyLimit:]
	}
}

func (r *Router) snapshotSubscribers(run string) []*subscriber {
	live := r.subscribers[run]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(run string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[run]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, run)
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(run string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[run]
	if len(queue) >= r.backlogLimit {
		drop := -1
		for i, queued := range queue {
			if !isCriticalEvent(queued.Type) {
				drop = i
				break
			}
		}
		switch {
		case drop >= 0:
		case !isCriticalEvent(event.Type):
			r.logBacklogDrop(run, event)
			return
		default:
			drop = 0
		}
		r.logBacklogDrop(run, queue[drop])
		queue = append(queue[:drop:drop], queue[drop+1:]...)
	}
	queue = append(queue, event)
	r.backlog[run] = queue
}

func (r *Router) logBacklogDrop(run string, event Event) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("eventbridge: backlog drop %s for %s (limit %d)", event.Type, run, r.backlogLimit)
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeRun(runID string) string {
	return strings.TrimSpace(strings.ToLower(runID))
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks. On overflow it evicts one queued event, preferring to
// keep critical events. The reader may drain concurrently, so each step is
// non-blocking.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// The reader emptied the channel in the meantime.
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
		return
	}
	// Put the oldest back at the tail; ordering yields to retention here.
	s.ch <- oldest
	s.logDrop(event, "queue overflow:incoming")
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("eventbridge: dropped %s (%s)", event.Type, reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isCriticalEvent(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case TypeUnitRetired, TypeRunFinished, TypeFailure:
		return true
	}
	return false
}

func isPreferredDrop(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case TypeTurnGranted, TypeTurnWaiting, TypeWorkerState:
		return true
	}
	return false
}
