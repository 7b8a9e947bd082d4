package learning

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/memory"
)

const TopicPersistFailed = "learning.persist.failed"

// Recorder is the optional metrics hook; nil is a silent no-op.
type Recorder interface {
	RecordLearningReward(value float64)
	SetLearningEpsilon(value float64)
}

// Engine is the fleet's reinforcement-learning bookkeeping: it records
// experiences, maintains an in-process Q-value cache backed by the swarm
// memory store, selects actions epsilon-greedily, and mines patterns from
// the experience log.
type Engine struct {
	store    memory.Store
	bus      *bus.Bus
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
	recorder Recorder

	qmu    sync.Mutex
	qcache map[string]QValue

	pending   []qUpdate
	pendingMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

type qUpdate struct {
	stateKey     string
	actionKey    string
	reward       float64
	nextStateKey string
}

// New constructs a Engine and starts its background flush loop. Callers
// must call Close to stop that loop and flush any remaining updates.
func New(store memory.Store, b *bus.Bus, clk clock.Clock, cfg Config, logger *slog.Logger, recorder Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		bus:      b,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		recorder: recorder,
		qcache:   make(map[string]QValue),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if e.recorder != nil {
		e.recorder.SetLearningEpsilon(e.cfg.Epsilon)
	}
	e.loadQCache(context.Background())
	go e.flushLoop()
	return e
}

// loadQCache seeds the in-process Q-value cache from the memory store so a
// restarted fleet resumes routing decisions from learned state rather than
// from a cold table.
func (e *Engine) loadQCache(ctx context.Context) {
	entries, err := e.store.Scan(ctx, PartitionQValues, "", 0)
	if err != nil {
		e.logger.Warn("failed to load q-value cache at startup", "error", err)
		return
	}
	e.qmu.Lock()
	defer e.qmu.Unlock()
	for _, entry := range entries {
		q, err := decodeQValue(entry.Value)
		if err != nil {
			continue
		}
		e.qcache[qKey(q.StateKey, q.ActionKey)] = q
	}
}

// RecordExperience persists an immutable outcome record into the
// experiences partition.
func (e *Engine) RecordExperience(ctx context.Context, exp Experience) error {
	if exp.Timestamp.IsZero() {
		exp.Timestamp = e.clock.Now()
	}
	blob, err := encodeExperience(exp)
	if err != nil {
		return err
	}
	if e.recorder != nil {
		e.recorder.RecordLearningReward(exp.Reward)
	}
	return e.persistWithRetry(ctx, func(ctx context.Context) error {
		_, err := e.store.Put(ctx, PartitionExperiences, exp.ID, blob, memory.PutOptions{AgentID: exp.AgentID})
		return err
	})
}

// UpdateQValue enqueues a TD(0) update; it applies as soon as the pending
// queue reaches Config.BatchSize or the next flush tick, whichever comes
// first.
func (e *Engine) UpdateQValue(stateKey, actionKey string, reward float64, nextStateKey string) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, qUpdate{stateKey: stateKey, actionKey: actionKey, reward: reward, nextStateKey: nextStateKey})
	full := len(e.pending) >= e.cfg.BatchSize
	e.pendingMu.Unlock()

	if full {
		e.flush(context.Background())
	}
}

// SelectAction picks one of candidateActions epsilon-greedily: with
// probability Epsilon it explores uniformly at random, otherwise it exploits
// the highest cached Q-value, defaulting unseen actions to zero.
func (e *Engine) SelectAction(stateKey string, candidateActions []string) string {
	if len(candidateActions) == 0 {
		return ""
	}
	if rand.Float64() < e.cfg.Epsilon {
		return candidateActions[rand.IntN(len(candidateActions))]
	}

	best := candidateActions[0]
	bestValue := e.qValue(stateKey, best)
	for _, action := range candidateActions[1:] {
		if v := e.qValue(stateKey, action); v > bestValue {
			best, bestValue = action, v
		}
	}
	return best
}

func (e *Engine) qValue(stateKey, actionKey string) float64 {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return e.qcache[qKey(stateKey, actionKey)].Value
}

func (e *Engine) maxQValue(stateKey string) float64 {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	var max float64
	found := false
	prefix := stateKey + "\x1f"
	for k, q := range e.qcache {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !found || q.Value > max {
			max, found = q.Value, true
		}
	}
	return max
}

func (e *Engine) flushLoop() {
	defer close(e.done)
	ticker := e.clock.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			e.flush(context.Background())
			return
		case <-ticker.C():
			e.flush(context.Background())
		}
	}
}

// flush applies every pending Q-value update in insertion order under one
// memory-store transaction, then refreshes the in-process cache.
func (e *Engine) flush(ctx context.Context) {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return
	}
	batch := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	applied := make([]QValue, 0, len(batch))
	batchValues := make(map[string]float64, len(batch))
	for _, u := range batch {
		key := qKey(u.stateKey, u.actionKey)
		prior, seen := batchValues[key]
		if !seen {
			prior = e.qValue(u.stateKey, u.actionKey)
		}
		nextMax := 0.0
		if u.nextStateKey != "" {
			nextMax = e.maxQValue(u.nextStateKey)
		}
		updated := prior + e.cfg.Alpha*(u.reward+e.cfg.Gamma*nextMax-prior)
		batchValues[key] = updated
		applied = append(applied, QValue{StateKey: u.stateKey, ActionKey: u.actionKey, Value: updated})
	}

	err := e.persistWithRetry(ctx, func(ctx context.Context) error {
		return e.store.WithTransaction(ctx, func(txCtx context.Context) error {
			for _, q := range applied {
				blob, err := encodeQValue(q)
				if err != nil {
					return err
				}
				if _, err := e.store.Put(txCtx, PartitionQValues, qKey(q.StateKey, q.ActionKey), blob, memory.PutOptions{}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		// persistWithRetry has already logged and emitted the failure event;
		// the cache still updates below so routing stays responsive even
		// when durability lags.
		e.logger.Warn("qvalue batch flush did not persist, cache updated in-memory only", "count", len(applied))
	}

	e.qmu.Lock()
	for i, q := range applied {
		q.UpdateCount = e.qcache[qKey(q.StateKey, q.ActionKey)].UpdateCount + 1
		applied[i] = q
		e.qcache[qKey(q.StateKey, q.ActionKey)] = q
	}
	e.qmu.Unlock()
}

// persistWithRetry retries fn with exponential backoff up to
// Config.MaxPersistRetries; exhausting retries logs and emits
// TopicPersistFailed rather than propagating the error to callers that
// should not crash on a durability hiccup.
func (e *Engine) persistWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(e.cfg.MaxPersistRetries)))
	if err != nil {
		e.logger.Error("learning persistence failed after retries", "error", err)
		if e.bus != nil {
			_, _ = e.bus.Publish(TopicPersistFailed, map[string]string{"error": err.Error()}, "")
		}
	}
	return err
}

// MinePatterns scans experiences recorded within the last window, aggregates
// success/failure counts per (taskType, stateKey) signature with at least
// minSupport samples, and upserts the corresponding Pattern.
func (e *Engine) MinePatterns(ctx context.Context, window time.Duration, minSupport int) error {
	entries, err := e.store.Scan(ctx, PartitionExperiences, "", 0)
	if err != nil {
		return err
	}
	cutoff := e.clock.Now().Add(-window)

	type agg struct {
		agentID              string
		signature            string
		success, failure     int
	}
	aggregates := make(map[string]*agg)
	for _, entry := range entries {
		exp, err := decodeExperience(entry.Value)
		if err != nil {
			continue
		}
		if exp.Timestamp.Before(cutoff) {
			continue
		}
		sig := exp.TaskType + "\x1f" + exp.StateKey
		a, ok := aggregates[sig]
		if !ok {
			a = &agg{agentID: exp.AgentID, signature: sig}
			aggregates[sig] = a
		}
		if exp.Reward > 0 {
			a.success++
		} else {
			a.failure++
		}
	}

	ids := make([]string, 0, len(aggregates))
	for sig := range aggregates {
		ids = append(ids, sig)
	}
	sort.Strings(ids)

	for _, sig := range ids {
		a := aggregates[sig]
		if a.success+a.failure < minSupport {
			continue
		}
		p := memory.Pattern{
			ID:           patternID(a.agentID, sig),
			AgentID:      a.agentID,
			Type:         sig,
			SuccessCount: a.success,
			FailureCount: a.failure,
		}
		if err := e.store.StorePattern(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func patternID(agentID, signature string) string {
	return agentID + "\x1f" + signature
}

// QueryHints returns up to topK pattern hints above minConfidence for the
// given agent.
func (e *Engine) QueryHints(ctx context.Context, agentID string, topK int, minConfidence float64) ([]PatternHint, error) {
	patterns, err := e.store.QueryPatternsByAgent(ctx, agentID, minConfidence)
	if err != nil {
		return nil, err
	}
	if topK > 0 && len(patterns) > topK {
		patterns = patterns[:topK]
	}
	hints := make([]PatternHint, 0, len(patterns))
	for _, p := range patterns {
		hints = append(hints, PatternHint{PatternID: p.ID, Type: p.Type, Confidence: p.Confidence()})
	}
	return hints, nil
}

// Close stops the background flush loop after applying any remaining
// pending updates.
func (e *Engine) Close() error {
	close(e.stop)
	<-e.done
	return nil
}
