// Package bus implements the fleet's in-process publish/subscribe fabric:
// hierarchical topics with wildcard subscriptions, strictly ordered
// per-topic delivery, a replayable history ring, and per-subscriber
// backpressure: a full mailbox drops events for that subscriber only.
// Handlers run on a bounded worker pool (one worker per CPU by default), so
// while every worker is inside a slow handler other subscribers' events wait.
package bus

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-qe/fleet/internal/clock"
)

const (
	defaultRingCapacity   = 1024
	defaultMailboxSize    = 256
	defaultPublishTimeout = 250 * time.Millisecond
	defaultHandlerTimeout = 5 * time.Second
	// TopicBackpressureDrop is published whenever an event is dropped for a
	// single subscriber whose mailbox stayed full past publishTimeoutMs.
	TopicBackpressureDrop = "bus.backpressure.drop"
)

// Event is a message published on the bus.
type Event struct {
	Topic          string
	Payload        any
	SourceAgentID  string
	SequenceNumber uint64
	PublishedAt    time.Time
}

// BackpressureDrop is the payload of a TopicBackpressureDrop event.
type BackpressureDrop struct {
	Subscriber     uint64
	Topic          string
	SequenceNumber uint64
}

// Handler processes one delivered event. It receives a context bounded by
// the bus's handler timeout; it should respect ctx.Done() for long work but
// is not required to (an abandoned handler just stops being waited on).
type Handler func(ctx context.Context, event Event)

// Config tunes the bus's buffering and timeout behavior.
type Config struct {
	RingCapacity   int
	MailboxSize    int
	PublishTimeout time.Duration
	HandlerTimeout time.Duration
	Workers        int
}

func (c Config) withDefaults() Config {
	if c.RingCapacity <= 0 {
		c.RingCapacity = defaultRingCapacity
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// DropRecorder is an optional sink for backpressure-drop counts, satisfied
// by *metrics.Registry without this package importing it directly.
type DropRecorder interface {
	RecordDrop(topic string)
}

// PublishRecorder is an optional publish-count sink. A DropRecorder that
// also implements this is asked to count every publish, not just drops.
type PublishRecorder interface {
	RecordPublish(topic string)
}

// MailboxRecorder is an optional subscriber mailbox depth gauge.
type MailboxRecorder interface {
	RecordMailboxDepth(subscriber string, depth int)
}

// Bus is the fleet's event fabric.
type Bus struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	drops  DropRecorder

	mu     sync.RWMutex
	topics map[string]*topicLog
	subs   map[uint64]*subscription
	nextID atomic.Uint64

	jobs chan *subscription

	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup
	handlersWG   sync.WaitGroup
	workersWG    sync.WaitGroup
	stopWorkers  chan struct{}
}

// New creates a Bus with default configuration.
func New(logger *slog.Logger) *Bus {
	return NewWithConfig(Config{}, logger, clock.Real{}, nil)
}

// NewWithConfig creates a Bus with explicit configuration, clock and an
// optional metrics sink.
func NewWithConfig(cfg Config, logger *slog.Logger, clk clock.Clock, drops DropRecorder) *Bus {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	b := &Bus{
		cfg:         cfg,
		clock:       clk,
		logger:      logger,
		drops:       drops,
		topics:      make(map[string]*topicLog),
		subs:        make(map[uint64]*subscription),
		jobs:        make(chan *subscription, cfg.Workers*4),
		stopWorkers: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.workersWG.Add(1)
		go b.runWorker()
	}
	return b
}

type subscription struct {
	id       uint64
	pattern  string
	segments []string
	handler  Handler
	mailbox  chan Event
	scheduled atomic.Bool
}

// Subscribe registers handler for every topic matching pattern. pattern
// segments are dot-separated; "*" matches exactly one segment and "**"
// matches any suffix (including zero segments) and must be the final
// pattern segment.
func (b *Bus) Subscribe(pattern string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	sub := &subscription{
		id:       id,
		pattern:  pattern,
		segments: splitTopic(pattern),
		handler:  handler,
		mailbox:  make(chan Event, b.cfg.MailboxSize),
	}
	b.subs[id] = sub
	return id
}

// Unsubscribe removes a subscription so it matches no further publishes.
// Events already queued in its mailbox are still delivered to its handler.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish appends an event to topic's history and enqueues it to every
// matching subscriber. It never blocks beyond Config.PublishTimeout per
// subscriber (all subscribers are notified concurrently), and it fails
// only once the bus has begun shutdown.
func (b *Bus) Publish(topic string, payload any, sourceAgentID string) (uint64, error) {
	if b.shuttingDown.Load() {
		return 0, ErrShutdown
	}
	b.inFlight.Add(1)
	defer b.inFlight.Done()

	log := b.topicLogFor(topic)
	event := Event{
		Topic:         topic,
		Payload:       payload,
		SourceAgentID: sourceAgentID,
		PublishedAt:   b.clock.Now(),
	}
	seq := log.append(&event)
	event.SequenceNumber = seq
	if pr, ok := b.drops.(PublishRecorder); ok {
		pr.RecordPublish(topic)
	}

	matched := b.matchingSubscribers(topic)
	var wg sync.WaitGroup
	wg.Add(len(matched))
	for _, sub := range matched {
		go func(sub *subscription) {
			defer wg.Done()
			b.deliver(sub, event)
		}(sub)
	}
	wg.Wait()
	return seq, nil
}

func (b *Bus) deliver(sub *subscription, event Event) {
	select {
	case sub.mailbox <- event:
		b.schedule(sub)
		b.recordMailboxDepth(sub)
		return
	default:
	}

	timer := b.clock.After(b.cfg.PublishTimeout)
	select {
	case sub.mailbox <- event:
		b.schedule(sub)
		b.recordMailboxDepth(sub)
	case <-timer:
		b.recordDrop(sub, event)
	}
}

func (b *Bus) recordMailboxDepth(sub *subscription) {
	if mr, ok := b.drops.(MailboxRecorder); ok {
		mr.RecordMailboxDepth(strconv.FormatUint(sub.id, 10), len(sub.mailbox))
	}
}

func (b *Bus) recordDrop(sub *subscription, event Event) {
	b.logger.Warn("bus_event_dropped",
		slog.Uint64("subscriber", sub.id),
		slog.String("topic", event.Topic),
		slog.Uint64("sequence", event.SequenceNumber),
	)
	if b.drops != nil {
		b.drops.RecordDrop(event.Topic)
	}
	// The drop notification is itself published; a subscriber to
	// bus.backpressure.drop cannot cause a further drop loop back onto
	// itself since it is not a subscriber of the topic that dropped.
	drop := BackpressureDrop{Subscriber: sub.id, Topic: event.Topic, SequenceNumber: event.SequenceNumber}
	log := b.topicLogFor(TopicBackpressureDrop)
	dropEvent := Event{Topic: TopicBackpressureDrop, Payload: drop, PublishedAt: b.clock.Now()}
	seq := log.append(&dropEvent)
	dropEvent.SequenceNumber = seq
	for _, s := range b.matchingSubscribers(TopicBackpressureDrop) {
		b.deliverNonBlocking(s, dropEvent)
	}
}

// deliverNonBlocking is used for the internally generated drop event: it
// must never itself recurse into another blocking wait.
func (b *Bus) deliverNonBlocking(sub *subscription, event Event) {
	select {
	case sub.mailbox <- event:
		b.schedule(sub)
	default:
	}
}

func (b *Bus) schedule(sub *subscription) {
	if sub.scheduled.CompareAndSwap(false, true) {
		select {
		case b.jobs <- sub:
		default:
			go func() { b.jobs <- sub }()
		}
	}
}

func (b *Bus) runWorker() {
	defer b.workersWG.Done()
	for {
		select {
		case sub := <-b.jobs:
			b.drainSubscriber(sub)
		case <-b.stopWorkers:
			return
		}
	}
}

// drainSubscriber processes every event currently queued for sub, in
// order, then clears the scheduled flag. If an event arrives in the
// narrow window between the mailbox going empty and the flag clearing,
// schedule reschedules it onto the worker pool.
func (b *Bus) drainSubscriber(sub *subscription) {
	for {
		select {
		case event, ok := <-sub.mailbox:
			if !ok {
				sub.scheduled.Store(false)
				return
			}
			b.invoke(sub, event)
		default:
			sub.scheduled.Store(false)
			if len(sub.mailbox) > 0 && sub.scheduled.CompareAndSwap(false, true) {
				continue
			}
			return
		}
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	b.handlersWG.Add(1)
	defer b.handlersWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("bus_handler_panic",
					slog.Uint64("subscriber", sub.id),
					slog.String("topic", event.Topic),
					slog.Any("recovered", r),
				)
			}
			close(done)
		}()
		sub.handler(ctx, event)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("bus_handler_timeout_abandoned",
			slog.Uint64("subscriber", sub.id),
			slog.String("topic", event.Topic),
			slog.Uint64("sequence", event.SequenceNumber),
		)
	}
}

func (b *Bus) matchingSubscribers(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topicSegs := splitTopic(topic)
	out := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchSegments(sub.segments, topicSegs) {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Bus) topicLogFor(topic string) *topicLog {
	b.mu.Lock()
	log, ok := b.topics[topic]
	if !ok {
		log = newTopicLog(b.cfg.RingCapacity)
		b.topics[topic] = log
	}
	b.mu.Unlock()
	return log
}

// History returns the replayable tail of topic with sequence numbers
// strictly greater than sinceSeq, in publish order.
func (b *Bus) History(topic string, sinceSeq uint64) []Event {
	return b.topicLogFor(topic).history(sinceSeq)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown drains in-flight handlers and rejects new publishes. It blocks
// until in-flight publishes and handler invocations already running have
// finished, or ctx is canceled; mailbox events that no worker has picked up
// yet are not waited for. Calling it again after it returned is a no-op.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.shuttingDown.Store(true)

	waited := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		b.handlersWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-b.stopWorkers:
	default:
		close(b.stopWorkers)
	}
	b.workersWG.Wait()
	return nil
}
