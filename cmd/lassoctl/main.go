// lassoctl is the unprivileged daemon: it classifies the CPU topology,
// enforces affinity rules, runs the ProBalance governor and drives core
// parking through the privileged helper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/lassoctl/internal/app"
	"codeberg.org/mutker/lassoctl/internal/config"
	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/executor"
	"codeberg.org/mutker/lassoctl/internal/history"
	"codeberg.org/mutker/lassoctl/internal/logger"
	"codeberg.org/mutker/lassoctl/internal/parking"
	"codeberg.org/mutker/lassoctl/internal/pid"
	"codeberg.org/mutker/lassoctl/internal/priority"
	"codeberg.org/mutker/lassoctl/internal/probalance"
	"codeberg.org/mutker/lassoctl/internal/process"
	"codeberg.org/mutker/lassoctl/internal/rules"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

var (
	cfg         *config.Config
	application *app.App
	governor    *probalance.Governor
	setter      *priority.Setter
	procScanner *process.Scanner
	govScanner  *process.Scanner
	closeEvents func() error
)

func init() {
	var err error
	cfg, err = config.Load(os.Args[1:]...)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		if errors.HasCode(err, errors.ErrAlreadyRunning) {
			logger.Fatal().Msg("another lassoctl instance is already running")
		}
		logger.Fatal().Err(err).Msg("failed to write pid file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	events, closer, err := history.NewSink(cfg.HistoryStoreConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize history store")
	}
	closeEvents = closer

	scanner := topology.NewScanner()
	facts, err := scanner.Scan()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to scan cpu topology")
	}
	topo := topology.Classify(facts)
	logger.Info().Str("summary", topo.Description).Msg("topology classified")

	client := executor.NewClient()
	if cfg.HelperPath != "" {
		client.HelperPath = cfg.HelperPath
	}

	setter = priority.NewSetter(func(ctx context.Context, elevatePID, nice, ioClass int) error {
		return client.Do(ctx, executor.Request{
			Op:      executor.OpSetPriority,
			PID:     elevatePID,
			Nice:    nice,
			IOClass: ioClass,
		})
	})

	controller := parking.New(topo, client).WithEvents(events)
	governor = probalance.New(cfg.ProBalanceConfig(), setter).WithEvents(events)
	// Each scan resets its scanner's jiffy-delta basis, so the two
	// tickers must not share one: a governor scan landing right after an
	// enforcement scan would observe an empty window and report the whole
	// system as idle.
	procScanner = process.NewScanner("")
	govScanner = process.NewScanner("")

	ruleList, err := cfg.RuleList()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rule configuration")
	}
	engine := rules.NewEngine(ruleList, cfg.DefaultAffinitySet())

	application = app.New(app.Deps{
		Config:     cfg,
		Scanner:    scanner,
		Controller: controller,
		Engine:     engine,
		Governor:   governor,
		Setter:     setter,
		Prober:     client,
		Events:     events,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	reportStartupState(ctx, topo)

	if err := loop(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	cleanup()
}

// reportStartupState logs what the daemon can and cannot do on this
// host. A recorded gaming-mode intent is reported but never auto-applied;
// silently parking cores after an unclean shutdown is worse than asking
// the user to flip the switch again.
func reportStartupState(ctx context.Context, topo topology.Topology) {
	if !topo.HasAsymmetry {
		logger.Info().Msg("uniform topology, gaming mode unavailable")
	} else {
		status := application.HelperStatus(ctx)
		switch {
		case !status.Installed:
			logger.Warn().Msg("helper not installed, core parking unavailable")
		case !status.Authorized:
			logger.Warn().Str("detail", status.Detail).
				Msg("helper not authorized, add the sudoers rule to enable core parking")
		}
	}

	if cfg.GamingModeIntent {
		logger.Info().Msg("gaming mode was enabled last session; re-enable it explicitly to park cores")
	}
}

func loop(ctx context.Context) error {
	if cfg.EnforceInterval <= 0 || cfg.GovernorInterval <= 0 {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "intervals must be positive")
	}

	enforceTicker := time.NewTicker(time.Duration(cfg.EnforceInterval) * time.Millisecond)
	defer enforceTicker.Stop()
	governorTicker := time.NewTicker(time.Duration(cfg.GovernorInterval) * time.Millisecond)
	defer governorTicker.Stop()
	statusTicker := time.NewTicker(time.Duration(cfg.StatusInterval) * time.Second)
	defer statusTicker.Stop()

	lastGovernorTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-enforceTicker.C:
			snap, err := procScanner.Scan()
			if err != nil {
				logger.Warn().Err(err).Msg("process scan failed")
				continue
			}
			application.Enforce(ctx, snap)
		case <-governorTicker.C:
			if !cfg.ProBalance.Enabled {
				continue
			}
			snap, err := govScanner.Scan()
			if err != nil {
				logger.Warn().Err(err).Msg("process scan failed")
				continue
			}
			now := time.Now()
			governor.Tick(ctx, snap, now.Sub(lastGovernorTick))
			lastGovernorTick = now
		case <-statusTicker.C:
			logStatus()
		}
	}
}

func logStatus() {
	status := application.ParkStatus()
	event := logger.Info().
		Str("park_state", status.State.String()).
		Int("rules", len(application.Rules())).
		Int("throttled", len(application.GovernorStatus()))
	if status.State == parking.Parked {
		event = event.Str("parked_cores", status.ParkedCores.String())
	}
	event.Msg("status")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// cleanup restores every priority and affinity this session changed.
// Parked cores are deliberately left alone: parking was an explicit user
// action and survives daemon restarts.
func cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if restored := governor.RestoreAllThrottled(ctx); restored > 0 {
		logger.Info().Int("processes", restored).Msg("restored throttled priorities")
	}
	if restored := setter.RestoreAll(); restored > 0 {
		logger.Info().Int("processes", restored).Msg("restored process affinities")
	}

	if state := application.ParkState(); state != parking.Unparked {
		logger.Warn().Str("state", state.String()).
			Msg("cores remain parked; disable gaming mode to bring them back online")
	}

	if closeEvents != nil {
		if err := closeEvents(); err != nil {
			logger.Warn().Err(err).Msg("failed to close history store")
		}
	}

	logger.Info().Msg("Shutdown completed")
}
