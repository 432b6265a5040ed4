// Package statesync owns the single authoritative master state record and
// keeps every module's replica converged to it. Updates bump a strictly
// increasing version; a periodic propagation cycle pushes full snapshots to
// all replicas concurrently and measures how far each replica had drifted
// before the push.
//
// Propagation is deliberately history-free: a replica only ever receives the
// latest snapshot, never intermediate versions, so a burst of updates
// collapses into one delivery per replica per cycle.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"synapse/internal/events"
)

var (
	// ErrStaleBaseVersion signals an optimistic-concurrency conflict: the
	// caller's expected base version no longer matches the master state.
	// The caller decides whether to re-read and retry.
	ErrStaleBaseVersion = errors.New("stale base version")

	// ErrUnknownModule signals a sync operation referencing a module that
	// never registered for sync.
	ErrUnknownModule = errors.New("unknown module")

	// ErrInvalidFieldValue rejects state fields that are neither numeric
	// nor boolean.
	ErrInvalidFieldValue = errors.New("field value must be numeric or boolean")
)

// Fields is a flat mapping of named state fields. Values are float64 or bool
// after normalization.
type Fields map[string]any

// Snapshot is an immutable copy of the master state at one version.
type Snapshot struct {
	Version uint64
	Fields  Fields
}

// Replica receives master state snapshots. Implementations must honor the
// context deadline; a slow replica is treated as failed for that cycle and
// never delays the others.
type Replica interface {
	ApplyState(ctx context.Context, snap Snapshot) error
}

// MemoryReplica is the default in-process replica endpoint. It simply stores
// the last snapshot it acknowledged. Used for modules that registered for
// sync but have no live transport attached yet.
type MemoryReplica struct {
	mu   sync.Mutex
	snap Snapshot
}

// ApplyState stores the snapshot and acknowledges immediately.
func (m *MemoryReplica) ApplyState(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}

// Snapshot returns the last acknowledged snapshot.
func (m *MemoryReplica) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// replicaView is the synchronizer's bookkeeping for one replica.
type replicaView struct {
	endpoint Replica

	lastSyncedVersion uint64
	accuracy          float64
	// fields is the state the replica last acknowledged; the drift measured
	// against the next snapshot is what feeds accuracy.
	fields Fields
}

// Options tunes propagation. Zero values are replaced by defaults.
type Options struct {
	// Interval is the propagation cycle cadence.
	Interval time.Duration

	// ReplicaTimeout bounds each per-replica delivery attempt.
	ReplicaTimeout time.Duration

	// AccuracyPenalty is subtracted from a replica's accuracy on a failed
	// delivery (floor 0).
	AccuracyPenalty float64

	// SuccessRateTarget and AccuracyTarget gate the perfect-sync verdict.
	SuccessRateTarget float64
	AccuracyTarget    float64
}

// DefaultOptions returns the propagation defaults.
func DefaultOptions() Options {
	return Options{
		Interval:          time.Second,
		ReplicaTimeout:    3 * time.Second,
		AccuracyPenalty:   0.1,
		SuccessRateTarget: 95,
		AccuracyTarget:    0.98,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.ReplicaTimeout <= 0 {
		o.ReplicaTimeout = def.ReplicaTimeout
	}
	if o.AccuracyPenalty <= 0 {
		o.AccuracyPenalty = def.AccuracyPenalty
	}
	if o.SuccessRateTarget <= 0 {
		o.SuccessRateTarget = def.SuccessRateTarget
	}
	if o.AccuracyTarget <= 0 {
		o.AccuracyTarget = def.AccuracyTarget
	}
	return o
}

// Synchronizer owns the master state and the replica set.
type Synchronizer struct {
	mu       sync.RWMutex
	opts     Options
	version  uint64
	fields   Fields
	replicas map[string]*replicaView

	attempts  uint64
	successes uint64

	bus *events.Bus
	log *zap.Logger

	// kick coalesces update-triggered propagation requests. Capacity one:
	// however many updates land between cycles, at most one extra cycle runs
	// and it always pushes the latest snapshot.
	kick chan struct{}
}

// New creates a synchronizer with an empty master state at version 0.
func New(opts Options, bus *events.Bus, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		opts:     opts.withDefaults(),
		fields:   make(Fields),
		replicas: make(map[string]*replicaView),
		bus:      bus,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// InitializeSync seeds a replica view for every given module id, backed by an
// in-process endpoint. Existing views are left untouched.
func (s *Synchronizer) InitializeSync(moduleIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range moduleIDs {
		if _, ok := s.replicas[id]; ok {
			continue
		}
		s.replicas[id] = &replicaView{
			endpoint: &MemoryReplica{},
			fields:   make(Fields),
		}
	}
	s.log.Info("sync initialized", zap.Int("replicas", len(s.replicas)))
}

// RegisterReplica binds a delivery endpoint for a module, creating the view
// if the module had none. A live transport (for example a gateway
// connection) replaces the in-process default.
func (s *Synchronizer) RegisterReplica(moduleID string, endpoint Replica) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if view, ok := s.replicas[moduleID]; ok {
		view.endpoint = endpoint
		return
	}
	s.replicas[moduleID] = &replicaView{
		endpoint: endpoint,
		fields:   make(Fields),
	}
}

// ReplaceReplicaIf swaps the module's endpoint for next only while current is
// still the bound one. A torn-down transport uses this to fall back to an
// in-process endpoint without clobbering a newer connection that already
// re-bound the module. Reports whether the swap happened.
func (s *Synchronizer) ReplaceReplicaIf(moduleID string, current, next Replica) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.replicas[moduleID]
	if !ok || view.endpoint != current {
		return false
	}
	view.endpoint = next
	return true
}

// DeregisterReplica discards a module's replica view.
func (s *Synchronizer) DeregisterReplica(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, moduleID)
}

// UpdateMasterState merges fields into the master state and bumps the
// version. Returns the new version.
func (s *Synchronizer) UpdateMasterState(fields Fields) (uint64, error) {
	return s.update(fields, nil)
}

// UpdateMasterStateAt is the optimistic-concurrency variant: the merge is
// applied only if the master state is still at baseVersion, otherwise it
// fails with ErrStaleBaseVersion and the state is left unchanged.
func (s *Synchronizer) UpdateMasterStateAt(fields Fields, baseVersion uint64) (uint64, error) {
	return s.update(fields, &baseVersion)
}

func (s *Synchronizer) update(fields Fields, base *uint64) (uint64, error) {
	normalized := make(Fields, len(fields))
	for name, raw := range fields {
		v, err := normalizeValue(raw)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", name, err)
		}
		normalized[name] = v
	}

	s.mu.Lock()
	if base != nil && *base != s.version {
		current := s.version
		s.mu.Unlock()
		return current, fmt.Errorf("expected base %d, at %d: %w", *base, current, ErrStaleBaseVersion)
	}
	for name, v := range normalized {
		s.fields[name] = v
	}
	s.version++
	version := s.version
	s.mu.Unlock()

	// Request a propagation cycle; drop if one is already pending.
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return version, nil
}

// MasterSnapshot returns a copy of the current master state.
func (s *Synchronizer) MasterSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Version: s.version, Fields: cloneFields(s.fields)}
}

// Run drives the propagation loop until ctx is cancelled. Cycles fire on the
// configured interval and immediately after updates.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		s.PropagateOnce(ctx)
	}
}

// delivery is one propagation target. The endpoint is snapshotted under the
// lock so a concurrent rebind (module reconnecting over the gateway) never
// races the in-flight push.
type delivery struct {
	moduleID string
	endpoint Replica
}

// PropagateOnce runs a single propagation cycle: the current snapshot is
// pushed to every replica concurrently, each delivery bounded by the replica
// timeout and accounted independently.
func (s *Synchronizer) PropagateOnce(ctx context.Context) {
	snap := s.MasterSnapshot()

	s.mu.RLock()
	targets := make([]delivery, 0, len(s.replicas))
	for id, view := range s.replicas {
		targets = append(targets, delivery{moduleID: id, endpoint: view.endpoint})
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target delivery) {
			defer wg.Done()
			s.deliver(ctx, target, snap)
		}(target)
	}
	wg.Wait()

	s.emit(events.Event{Kind: events.KindSyncCycleCompleted, Version: snap.Version})
}

func (s *Synchronizer) deliver(ctx context.Context, target delivery, snap Snapshot) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.ReplicaTimeout)
	err := target.endpoint.ApplyState(cctx, snap)
	cancel()

	s.mu.Lock()
	s.attempts++
	// The view may have been deregistered while the push was in flight.
	view := s.replicas[target.moduleID]
	if err != nil {
		s.log.Debug("replica delivery failed",
			zap.String("module", target.moduleID), zap.Error(err))
		if view != nil {
			view.accuracy = math.Max(0, view.accuracy-s.opts.AccuracyPenalty)
		}
		s.mu.Unlock()
		return
	}
	s.successes++
	if view != nil {
		// Accuracy captures the drift the replica had accumulated before
		// this delivery, so it trends to 1 once syncs outpace updates.
		view.accuracy = 1 - fieldDistance(view.fields, snap.Fields)
		view.fields = cloneFields(snap.Fields)
		view.lastSyncedVersion = snap.Version
	}
	s.mu.Unlock()

	s.emit(events.Event{
		Kind:     events.KindStateSynced,
		ModuleID: target.moduleID,
		Version:  snap.Version,
	})
}

// SyncReport summarizes replica convergence.
type SyncReport struct {
	TotalModules        int
	PerfectlySynced     int
	SyncSuccessRate     float64
	AverageAccuracy     float64
	PerfectSyncAchieved bool
}

// SyncReport returns a read-only convergence snapshot. Polling it never
// mutates the synchronizer.
func (s *Synchronizer) SyncReport() SyncReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := SyncReport{TotalModules: len(s.replicas)}
	for _, view := range s.replicas {
		if view.lastSyncedVersion == s.version {
			report.PerfectlySynced++
		}
		report.AverageAccuracy += view.accuracy
	}
	if len(s.replicas) > 0 {
		report.AverageAccuracy /= float64(len(s.replicas))
	}
	if s.attempts > 0 {
		report.SyncSuccessRate = float64(s.successes) / float64(s.attempts) * 100
	}
	report.PerfectSyncAchieved = report.SyncSuccessRate >= s.opts.SuccessRateTarget &&
		report.AverageAccuracy >= s.opts.AccuracyTarget
	return report
}

// SetTargets replaces the perfect-sync thresholds at runtime.
func (s *Synchronizer) SetTargets(successRate, accuracy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if successRate > 0 && successRate <= 100 {
		s.opts.SuccessRateTarget = successRate
	}
	if accuracy > 0 && accuracy <= 1 {
		s.opts.AccuracyTarget = accuracy
	}
}

func (s *Synchronizer) emit(ev events.Event) {
	if s.bus != nil {
		s.bus.Emit(ev)
	}
}

// normalizeValue coerces supported field values to float64 or bool.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	default:
		return nil, ErrInvalidFieldValue
	}
}

// fieldDistance is the normalized field-wise distance between what a replica
// last acknowledged and the snapshot being pushed, in [0,1]. A field missing
// on the replica, or of mismatched type, counts as fully drifted.
func fieldDistance(old, current Fields) float64 {
	if len(current) == 0 {
		return 0
	}
	var sum float64
	for name, cur := range current {
		prev, ok := old[name]
		if !ok {
			sum++
			continue
		}
		switch c := cur.(type) {
		case bool:
			p, ok := prev.(bool)
			if !ok || p != c {
				sum++
			}
		case float64:
			p, ok := prev.(float64)
			if !ok {
				sum++
				continue
			}
			denom := math.Max(1, math.Max(math.Abs(p), math.Abs(c)))
			sum += math.Min(1, math.Abs(p-c)/denom)
		}
	}
	return sum / float64(len(current))
}

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
