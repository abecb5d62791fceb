// Package app wires the freighter components together: config, logging,
// storage, the coordinator, the pipeline stages, the poller and the status
// API. Start order is dependency order; Stop reverses it.
package app

import (
	"context"
	"fmt"
	"time"

	"freighter/internal/api"
	"freighter/internal/capability"
	"freighter/internal/config"
	"freighter/internal/coord"
	"freighter/internal/crontime"
	"freighter/internal/eventbus"
	"freighter/internal/model"
	"freighter/internal/pipeline/aggregate"
	"freighter/internal/pipeline/generation"
	"freighter/internal/pipeline/transfer"
	"freighter/internal/poller"
	"freighter/internal/runtime/supervisor"
	"freighter/internal/storage"
	"freighter/internal/telemetry"
	logx "freighter/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	counters *telemetry.Counters
	emit     telemetry.Emitter

	store *storage.Store
	coord coord.Coordinator

	gen       *generation.Stage
	transfers *transfer.Stage
	agg       *aggregate.Aggregator
	poll      *poller.Poller
	api       *api.Server

	sup      *supervisor.Supervisor
	apiErrCh chan error
	cfgCh    chan *config.Config
}

// faninProxy breaks the construction cycle between the transfer stage and
// the aggregator; it is bound before Start.
type faninProxy struct {
	agg *aggregate.Aggregator
}

func (p *faninProxy) OnOutcome(ctx context.Context, jobID string) error {
	if p.agg == nil {
		return nil
	}
	return p.agg.OnOutcome(ctx, jobID)
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	counters := &telemetry.Counters{}
	emit := telemetry.Multi(
		telemetry.NewBus(bus),
		telemetry.NewLog(log.With(logx.String("comp", "telemetry"))),
	)

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	coordinator, err := openCoordinator(cfg, stCfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// Capabilities: local file generator, directory/S3 delivery, static
	// credentials. Remote generators and protocol drivers plug in here.
	creds := capability.NewStaticCredentials(cfg.Credentials)
	pushRoot := cfg.Capabilities.PushRoot
	if pushRoot == "" {
		pushRoot = "./delivered"
	}
	router := capability.PusherRouter{Default: capability.DirPusher{Root: pushRoot}}
	if cfg.Capabilities.S3.Enabled {
		s3p, err := capability.NewS3Pusher(context.Background(), cfg.Capabilities.S3.Region, cfg.Capabilities.S3.Endpoint)
		if err != nil {
			_ = coordinator.Close()
			_ = st.Close()
			return nil, err
		}
		router.S3 = s3p
	}

	genCfg, err := mapGenerationConfig(cfg)
	if err != nil {
		return nil, err
	}
	trCfg, err := mapTransferConfig(cfg)
	if err != nil {
		return nil, err
	}
	aggCfg, err := mapAggregatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	pollCfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}

	proxy := &faninProxy{}
	transfers := transfer.New(trCfg, st, router, creds, proxy, bus,
		log.With(logx.String("comp", "transfer")), counters)
	gen := generation.New(genCfg, st, capability.FileGenerator{}, transfers, bus,
		log.With(logx.String("comp", "generation")), counters)
	agg := aggregate.New(aggCfg, st, gen, transfers, bus, emit,
		log.With(logx.String("comp", "aggregate")), counters)
	proxy.agg = agg

	poll := poller.New(pollCfg, st, coordinator, gen, bus, emit,
		log.With(logx.String("comp", "poller")), counters)

	a := &App{
		cfgm:      cfgm,
		logs:      logSvc,
		log:       log,
		bus:       bus,
		counters:  counters,
		emit:      emit,
		store:     st,
		coord:     coordinator,
		gen:       gen,
		transfers: transfers,
		agg:       agg,
		poll:      poll,
	}

	if cfg.API.Enabled {
		apiCfg, err := mapAPIConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.api = api.New(apiCfg, st, agg, a.healthSnapshot, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

// openCoordinator picks the lock/status backend. The sqlite backend lives
// in its own file next to the durable database so lock churn never
// contends with job writes.
func openCoordinator(cfg *config.Config, stCfg storage.Config) (coord.Coordinator, error) {
	switch cfg.Coordinator.Backend {
	case "", "sqlite":
		c, err := coord.OpenSQLite(stCfg.Path+".coord", stCfg.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("open coordinator: %w", err)
		}
		return c, nil
	case "memory":
		return coord.NewMemory(), nil
	default:
		return nil, fmt.Errorf("coordinator.backend: unknown backend %q", cfg.Coordinator.Backend)
	}
}

// Start brings everything up: seeds, stages, sweeps, poller, API, config
// watch.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	cfg := a.cfgm.Get()
	if err := a.seedSchedules(ctx, cfg); err != nil {
		return err
	}

	if err := a.gen.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.transfers.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sup.GoRestart("aggregate-sweeps", a.agg.Run)
	if cfg.Poller.Enabled {
		a.sup.GoRestart("trigger-poller", a.poll.Run)
	} else {
		a.log.Warn("trigger poller disabled; schedules will not fire")
	}

	if a.api != nil {
		a.apiErrCh = make(chan error, 1)
		if err := a.api.Start(a.apiErrCh); err != nil {
			return err
		}
		a.sup.Go0("api-errors", func(ctx context.Context) {
			select {
			case <-ctx.Done():
			case err := <-a.apiErrCh:
				a.log.Error("status api failed", logx.Any("err", err))
			}
		})
	}

	a.sup.GoRestart("config-watch", a.cfgm.Watch)
	a.cfgCh = a.cfgm.Subscribe(4)
	a.sup.Go0("config-apply", a.configApplyLoop)

	a.log.Info("freighter started")
	return nil
}

// Stop shuts down in reverse dependency order: inputs first (poller via
// supervisor), then stages, then stores.
func (a *App) Stop(ctx context.Context) error {
	if a.api != nil {
		a.api.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
	}
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	a.transfers.Stop(ctx)
	a.gen.Stop(ctx)
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if cerr := a.coord.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if serr := a.store.Close(); serr != nil && err == nil {
		err = serr
	}
	a.log.Info("freighter stopped")
	_ = a.logs.Close()
	return err
}

// Wait blocks until the supervisor context ends.
func (a *App) Wait(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Wait(ctx)
}

func (a *App) configApplyLoop(ctx context.Context) {
	var prev *config.Config = a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.applyConfig(ctx, prev, cfg)
			prev = cfg
		}
	}
}

// applyConfig handles a validated reload. Logging applies live; schedule
// seeds are re-upserted; structural changes (storage path, worker counts,
// API binding) need a restart and are only announced.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	changed, attrs, changedSchedules := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)

	a.logs.Apply(mapLoggingConfig(newCfg))
	if len(changedSchedules) > 0 {
		if err := a.seedSchedules(ctx, newCfg); err != nil {
			a.log.Error("schedule reseed failed", logx.Any("err", err))
		}
	}
	for _, section := range changed {
		switch section {
		case "logging", "schedules", "credentials":
		default:
			a.log.Warn("config section needs a restart to take effect",
				logx.String("section", section))
		}
	}
}

// seedSchedules upserts the config-carried schedules so a deployment
// without an external editor still has work to do. Storage stays the
// source of truth; disabled rows are kept for job history.
func (a *App) seedSchedules(ctx context.Context, cfg *config.Config) error {
	now := time.Now().UTC()
	keep := make([]string, 0, len(cfg.Schedules))
	for _, seed := range cfg.Schedules {
		sc, err := scheduleFromSeed(seed, now)
		if err != nil {
			return fmt.Errorf("schedules[%s]: %w", seed.ID, err)
		}
		if err := a.store.UpsertSchedule(ctx, sc); err != nil {
			return fmt.Errorf("seed schedule %s: %w", seed.ID, err)
		}
		keep = append(keep, seed.ID)
		a.log.Info("schedule seeded",
			logx.String("schedule", sc.ID), logx.Bool("enabled", sc.Enabled),
			logx.Int("targets", len(sc.Targets)))
	}
	if len(cfg.Schedules) > 0 {
		n, err := a.store.DisableSchedulesExcept(ctx, keep)
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("schedules disabled (removed from config)", logx.Int64("count", n))
		}
	}
	return nil
}

func scheduleFromSeed(seed config.ScheduleSeed, now time.Time) (model.Schedule, error) {
	targets := make([]model.Target, 0, len(seed.Targets))
	for _, t := range seed.Targets {
		targets = append(targets, model.Target{
			TargetID: t.TargetID, HostRef: t.HostRef, CredentialRef: t.CredentialRef,
		})
	}
	sc := model.Schedule{
		ID:              seed.ID,
		Cron:            seed.Cron,
		Timezone:        seed.Timezone,
		Enabled:         seed.Enabled,
		SourcePath:      seed.SourcePath,
		DestinationPath: seed.DestinationPath,
		Targets:         targets,
	}
	if !seed.Enabled {
		return sc, nil
	}
	next, err := crontime.Next(seed.Cron, seed.Timezone, now)
	if err != nil {
		return model.Schedule{}, err
	}
	sc.NextRunUTC = &next
	return sc, nil
}

func (a *App) healthSnapshot() map[string]any {
	out := map[string]any{
		"counters":    a.counters.Snapshot(),
		"bus_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Counters()
	}
	return out
}

// validateConfig rejects configs that cannot possibly run; it guards both
// initial load and hot reload (a failed reload keeps the previous config).
func validateConfig(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGenerationConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTransferConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAggregatorConfig(cfg); err != nil {
		return err
	}
	if cfg.API.Enabled {
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
	}
	switch cfg.Coordinator.Backend {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("coordinator.backend: unknown backend %q", cfg.Coordinator.Backend)
	}
	ids := map[string]struct{}{}
	for _, seed := range cfg.Schedules {
		if seed.ID == "" {
			return fmt.Errorf("schedules: id is required")
		}
		if _, dup := ids[seed.ID]; dup {
			return fmt.Errorf("schedules[%s]: duplicate id", seed.ID)
		}
		ids[seed.ID] = struct{}{}
		if !seed.Enabled {
			continue
		}
		if err := crontime.Validate(seed.Cron, seed.Timezone); err != nil {
			return fmt.Errorf("schedules[%s]: %w", seed.ID, err)
		}
		if len(seed.Targets) == 0 {
			return fmt.Errorf("schedules[%s]: enabled schedule needs at least one target", seed.ID)
		}
		for _, t := range seed.Targets {
			if t.TargetID == "" || t.HostRef == "" {
				return fmt.Errorf("schedules[%s]: target_id and host_ref are required", seed.ID)
			}
		}
	}
	return nil
}
