package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/energysim/pkg/command"
	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/registry"
	"github.com/raterudder/energysim/pkg/server"
	"github.com/raterudder/energysim/pkg/sim"
	"github.com/raterudder/energysim/pkg/storage"
	"github.com/raterudder/energysim/pkg/stream"
	"github.com/raterudder/energysim/pkg/types"
)

func main() {
	// init packages
	reg := registry.Configured()
	engine := sim.Configured(reg)
	proc := command.Configured(reg)
	s := storage.Configured()
	sinks := stream.Configured()

	// init server
	srv := server.Configured(reg, engine, proc, s, sinks.Hub())

	// parse flags
	lflag.Configure()

	level, err := log.LevelFromLLog()
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// archive every tick alongside the live sinks
	engine.AddSink(sim.SinkFunc(func(ctx context.Context, sample types.TelemetrySample) error {
		return s.InsertTelemetry(ctx, []types.TelemetrySample{sample})
	}))
	for _, sink := range sinks.All() {
		engine.AddSink(sink)
	}
	proc.OnResult(sinks.Hub().BroadcastCommand)
	proc.OnResult(func(ctx context.Context, cmd types.Command, result types.CommandResult) {
		err := s.UpsertCommand(ctx, result.DeviceID, types.CommandRecord{Command: cmd, Result: result})
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to archive command", slog.String("commandID", result.ID), slog.Any("error", err))
		}
	})

	defer func() {
		proc.Wait()
		if err := sinks.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close sinks", slog.Any("error", err))
		}
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// Run blocks until the context is canceled or either side fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "energysim failed", slog.Any("error", err))
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "energysim exited cleanly")
}
