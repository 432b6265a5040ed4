// Package registry tracks the modules participating in the routing core:
// their identity, liveness, blended processing intensity and a rolling
// engagement score. The registry is the source of truth for the replica set
// the state synchronizer propagates to.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"synapse/internal/events"
)

// ErrRoleConflict is returned when a module id is re-registered with a role
// that differs from the one recorded at first registration.
var ErrRoleConflict = errors.New("module already registered with a different role")

// Module is the registry's record for one participant. Copies are handed out;
// the registry owns the canonical entry.
type Module struct {
	ID                  string
	Role                string
	Active              bool
	ProcessingIntensity float64
	LastSeen            time.Time
	EngagementScore     float64
}

// Options tunes the engagement model. Zero values are replaced by defaults.
type Options struct {
	// SmoothingWeight is the weight of a new activity sample when blending
	// processing intensity and raising engagement.
	SmoothingWeight float64

	// EngagementThreshold is the score at or above which a module counts as
	// fully engaged.
	EngagementThreshold float64

	// TargetModules is the expected population size, reported for compliance
	// checks only. The registry never enforces it as a ceiling.
	TargetModules int

	// LivenessWindow is how long a module may stay silent before the decay
	// sweep starts degrading its engagement.
	LivenessWindow time.Duration

	// DecayFactor multiplies the engagement score of a silent module on each
	// sweep.
	DecayFactor float64

	// EngagementFloor is the score at or below which a silent module is
	// marked inactive.
	EngagementFloor float64

	// SweepInterval is the cadence of the background decay sweep.
	SweepInterval time.Duration
}

// DefaultOptions returns the engagement model defaults.
func DefaultOptions() Options {
	return Options{
		SmoothingWeight:     0.3,
		EngagementThreshold: 0.8,
		TargetModules:       10,
		LivenessWindow:      30 * time.Second,
		DecayFactor:         0.5,
		EngagementFloor:     0.1,
		SweepInterval:       5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SmoothingWeight <= 0 {
		o.SmoothingWeight = def.SmoothingWeight
	}
	if o.EngagementThreshold <= 0 {
		o.EngagementThreshold = def.EngagementThreshold
	}
	if o.TargetModules <= 0 {
		o.TargetModules = def.TargetModules
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = def.LivenessWindow
	}
	if o.DecayFactor <= 0 {
		o.DecayFactor = def.DecayFactor
	}
	if o.EngagementFloor <= 0 {
		o.EngagementFloor = def.EngagementFloor
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	return o
}

// Registry owns all Module entries. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	opts    Options
	modules map[string]*Module

	bus *events.Bus
	log *zap.Logger

	// now is swappable in tests to drive the decay sweep deterministically.
	now func() time.Time
}

// New creates an empty registry.
func New(opts Options, bus *events.Bus, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		opts:    opts.withDefaults(),
		modules: make(map[string]*Module),
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Register adds a module or returns the existing entry for the id.
// Registration is idempotent for a matching role; a differing role fails with
// ErrRoleConflict.
func (r *Registry) Register(id, role string) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.modules[id]; ok {
		if existing.Role != role {
			return Module{}, ErrRoleConflict
		}
		return *existing, nil
	}

	mod := &Module{
		ID:       id,
		Role:     role,
		Active:   true,
		LastSeen: r.now(),
	}
	r.modules[id] = mod
	r.log.Info("module registered", zap.String("module", id), zap.String("role", role))
	r.emit(events.Event{Kind: events.KindModuleRegistered, ModuleID: id})
	return *mod, nil
}

// RecordActivity blends an activity sample into the module's intensity and
// raises its engagement toward 1 proportional to the sample. Unknown ids are
// dropped after logging; activity never auto-registers a module, which keeps
// spoofed ids out of the engagement counts.
func (r *Registry) RecordActivity(id string, intensity float64) {
	intensity = clamp01(intensity)

	r.mu.Lock()
	mod, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("activity for unknown module dropped", zap.String("module", id))
		return
	}

	w := r.opts.SmoothingWeight
	mod.ProcessingIntensity += w * (intensity - mod.ProcessingIntensity)
	mod.EngagementScore += w * intensity * (1 - mod.EngagementScore)
	mod.LastSeen = r.now()
	mod.Active = true
	r.mu.Unlock()

	r.emit(events.Event{Kind: events.KindModuleActivity, ModuleID: id})
}

// Lookup returns a copy of the module entry for id.
func (r *Registry) Lookup(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[id]
	if !ok {
		return Module{}, false
	}
	return *mod, true
}

// IsEngaged reports whether the module's engagement score meets the
// configured threshold.
func (r *Registry) IsEngaged(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[id]
	return ok && mod.EngagementScore >= r.opts.EngagementThreshold
}

// ModuleIDs returns the ids of all registered modules in stable order.
func (r *Registry) ModuleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EngagementReport summarizes the population.
type EngagementReport struct {
	TotalModules    int
	FullyEngaged    int
	TargetModules   int
	EngagementScore float64
}

// EngagementReport returns a read-only snapshot of the engagement state.
// Polling it never mutates the registry.
func (r *Registry) EngagementReport() EngagementReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := EngagementReport{
		TotalModules:  len(r.modules),
		TargetModules: r.opts.TargetModules,
	}
	if len(r.modules) == 0 {
		return report
	}

	var sum float64
	for _, mod := range r.modules {
		sum += mod.EngagementScore
		if mod.EngagementScore >= r.opts.EngagementThreshold {
			report.FullyEngaged++
		}
	}
	report.EngagementScore = sum / float64(len(r.modules))
	return report
}

// SetEngagementThreshold replaces the fully-engaged threshold at runtime.
func (r *Registry) SetEngagementThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	r.mu.Lock()
	r.opts.EngagementThreshold = v
	r.mu.Unlock()
}

// Run drives the periodic decay sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep degrades the engagement of modules that stayed silent past the
// liveness window and marks them inactive once they hit the floor.
func (r *Registry) sweep() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mod := range r.modules {
		if now.Sub(mod.LastSeen) <= r.opts.LivenessWindow {
			continue
		}
		mod.EngagementScore *= r.opts.DecayFactor
		if mod.EngagementScore <= r.opts.EngagementFloor {
			if mod.Active {
				r.log.Info("module expired", zap.String("module", mod.ID))
			}
			mod.Active = false
		}
	}
}

func (r *Registry) emit(ev events.Event) {
	if r.bus != nil {
		r.bus.Emit(ev)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
