package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cortex/internal/action"
	"cortex/internal/broker"
	"cortex/internal/engine"
	"cortex/internal/explain"
	"cortex/internal/fusion"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/server"
	"cortex/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg := loadedConfig
	log := logging.S(logging.CategoryBoot)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}

	matrix, err := memory.New(cfg.Memory, cfg.DBPath)
	if err != nil {
		return err
	}
	matrix.Start(ctx)
	defer matrix.Stop()
	log.Infow("memory matrix open", "db", cfg.DBPath)

	graph, err := explain.NewGraph(matrix.Canonical().DB())
	if err != nil {
		return err
	}
	log.Infow("decision graph loaded", "records", graph.Len())

	auditor, err := explain.NewAuditor(graph, cfg.Explain.AuditPolicyPath)
	if err != nil {
		return err
	}
	auditor.Start(ctx)
	defer auditor.Stop()

	catalog, err := action.NewCatalog(cfg.Action.CatalogPath)
	if err != nil {
		return err
	}
	defer catalog.Close()
	if cfg.Action.CatalogPath != "" {
		if err := catalog.Watch(); err != nil {
			log.Warnw("catalog watch unavailable", "err", err)
		}
	}

	safety, err := action.NewSafetyEngine(cfg.Action.SafetyPolicyPath)
	if err != nil {
		return err
	}
	defer safety.Close()
	if cfg.Action.SafetyPolicyPath != "" {
		if err := safety.Watch(); err != nil {
			log.Warnw("safety policy watch unavailable", "err", err)
		}
	}

	var channels []action.Channel
	if cfg.Action.ExecutorURL != "" {
		channels = append(channels, action.NewHTTPChannel(cfg.Action.ExecutorURL, cfg.Action.DispatchTimeout))
	}
	if cfg.Action.RedisAddr != "" {
		channels = append(channels, action.NewRedisChannel(cfg.Action.RedisAddr, cfg.Action.RedisStream))
	}
	if len(channels) == 0 {
		log.Warnw("no action channels configured, commands will fail to dispatch")
	}
	hub := action.NewHub(catalog, safety, action.NewHarmonizer(cfg.Action.ChannelPreferenceOrder, channels...))
	defer hub.Close()

	var classifier engine.Classifier
	generators := []engine.Generator{engine.TemplateGenerator{}}
	if cfg.Memory.GenAIAPIKey != "" {
		gen, err := engine.NewGenAIGenerator(cfg.Memory.GenAIAPIKey, "")
		if err != nil {
			return err
		}
		classifier = gen
		generators = append(generators, gen)
		log.Infow("generative model wired", "id", gen.ID())
	}

	resolver, err := engine.NewResolver(cfg.Engine.RulesPath, classifier)
	if err != nil {
		return err
	}

	integrator := fusion.NewIntegrator(cfg.Fusion)
	pipeline := engine.NewPipeline(cfg.Engine, matrix, integrator, hub, graph,
		resolver, engine.NewRegistry(generators...))

	bus := broker.New(0)
	defer bus.Close()

	srv := server.New(cfg.Server, pipeline, graph, matrix, integrator, hub, bus, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return metrics.Shutdown(shutdownCtx)
	})

	log.Infow("cortex up", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return g.Wait()
}
