// Package orchestrator constructs and sequences the routing core: module
// activation first, then sync initialization seeded from the registry's
// module set, then the dispatcher and the gateway. It owns every component's
// lifecycle; shutdown cancels the periodic loops and drains in-flight
// dispatcher work before resources are released.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"synapse/internal/config"
	"synapse/internal/dispatch"
	"synapse/internal/events"
	"synapse/internal/gateway"
	"synapse/internal/registry"
	"synapse/internal/statesync"
)

// Orchestrator owns the core components and their run loops.
type Orchestrator struct {
	cfg *config.Config
	log *zap.Logger

	bus          *events.Bus
	registry     *registry.Registry
	synchronizer *statesync.Synchronizer
	dispatcher   *dispatch.Dispatcher
	gateway      *gateway.Server

	mu  sync.Mutex
	lis net.Listener
}

// New builds the full component graph from configuration. process handles
// every dispatched message; nil installs a handler that just logs.
func New(cfg *config.Config, process dispatch.Handler, log *zap.Logger) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}

	bus := events.NewBus()

	reg := registry.New(registry.Options{
		SmoothingWeight:     cfg.Engagement.SmoothingWeight,
		EngagementThreshold: cfg.Engagement.EngagementThreshold,
		TargetModules:       cfg.Engagement.TargetModules,
		LivenessWindow:      config.Duration(cfg.Engagement.LivenessWindow, 30*time.Second),
		DecayFactor:         cfg.Engagement.DecayFactor,
		EngagementFloor:     cfg.Engagement.EngagementFloor,
		SweepInterval:       config.Duration(cfg.Engagement.SweepInterval, 5*time.Second),
	}, bus, log.Named("registry"))

	syncer := statesync.New(statesync.Options{
		Interval:          config.Duration(cfg.Sync.Interval, time.Second),
		ReplicaTimeout:    config.Duration(cfg.Sync.ReplicaTimeout, 3*time.Second),
		AccuracyPenalty:   cfg.Sync.AccuracyPenalty,
		SuccessRateTarget: cfg.Sync.SuccessRateTarget,
		AccuracyTarget:    cfg.Sync.AccuracyTarget,
	}, bus, log.Named("statesync"))

	if process == nil {
		handlerLog := log.Named("handler")
		process = func(_ context.Context, msg dispatch.Message) error {
			handlerLog.Debug("message processed",
				zap.String("type", msg.Type),
				zap.String("class", msg.Class.String()))
			return nil
		}
	}

	classifier := dispatch.Classifier{Engaged: reg.IsEngaged}
	disp := dispatch.New(dispatch.Options{
		StarvationLimit: cfg.Dispatch.StarvationLimit,
		DrainTimeout:    config.Duration(cfg.Dispatch.DrainTimeout, 5*time.Second),
	}, classifier, bus, log.Named("dispatch"))

	gw := gateway.New(reg, syncer, disp, process, log.Named("gateway"))

	return &Orchestrator{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		registry:     reg,
		synchronizer: syncer,
		dispatcher:   disp,
		gateway:      gw,
	}
}

// Accessors for the owned components. Reporting surfaces hang off these and
// are safe to poll at any frequency.

func (o *Orchestrator) Bus() *events.Bus { return o.bus }

func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

func (o *Orchestrator) Synchronizer() *statesync.Synchronizer { return o.synchronizer }

func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher { return o.dispatcher }

// ActivateAllModules registers every configured module. Role conflicts are
// logged and skipped; activation never aborts startup.
func (o *Orchestrator) ActivateAllModules() int {
	activated := 0
	for _, spec := range o.cfg.Modules {
		if _, err := o.registry.Register(spec.ID, spec.Role); err != nil {
			o.log.Warn("module activation skipped",
				zap.String("module", spec.ID), zap.Error(err))
			continue
		}
		activated++
	}
	o.log.Info("modules activated", zap.Int("count", activated))
	return activated
}

// ListenAddr returns the bound gateway address once Run has started.
func (o *Orchestrator) ListenAddr() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lis == nil {
		return ""
	}
	return o.lis.Addr().String()
}

// Run starts the core and blocks until ctx is cancelled. The startup order
// is fixed: module activation, sync initialization seeded from the registry,
// then the run loops and the gateway listener.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ActivateAllModules()
	o.synchronizer.InitializeSync(o.registry.ModuleIDs())

	lis, err := net.Listen("tcp", o.cfg.Gateway.ListenAddr)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.lis = lis
	o.mu.Unlock()

	srv := &http.Server{Handler: o.gateway.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.registry.Run(gctx) })
	g.Go(func() error { return o.synchronizer.Run(gctx) })
	g.Go(func() error { return o.dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	o.log.Info("synapse core running", zap.String("addr", lis.Addr().String()))

	err = g.Wait()
	o.bus.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ApplyConfig applies the hot-reloadable thresholds from a freshly loaded
// config. Structural settings (listen address, module list) require a
// restart and are ignored here.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	o.registry.SetEngagementThreshold(cfg.Engagement.EngagementThreshold)
	o.dispatcher.SetStarvationLimit(cfg.Dispatch.StarvationLimit)
	o.synchronizer.SetTargets(cfg.Sync.SuccessRateTarget, cfg.Sync.AccuracyTarget)
	o.log.Info("runtime thresholds applied",
		zap.Float64("engagement_threshold", cfg.Engagement.EngagementThreshold),
		zap.Int("starvation_limit", cfg.Dispatch.StarvationLimit))
}
