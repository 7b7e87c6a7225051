package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"taskrelay/internal/api"
	"taskrelay/internal/broadcast"
	"taskrelay/internal/connection"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/ports"
	"taskrelay/internal/usecase"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			var rdb *redisq.Client
			if needsRedis(cfg) {
				rdb = redisq.New(cfg.Redis)
				defer rdb.Close()
				if err := rdb.Init(ctx); err != nil {
					return err
				}
			}

			relay, closeRelay, err := openRelay(cfg, rdb)
			if err != nil {
				return err
			}
			defer closeRelay()
			bus := broadcast.New(relay, cfg.Relay.QueueSize, log.Logger)

			jobs, err := newJobs(ctx, cfg, st.artifacts)
			if err != nil {
				return err
			}

			var dispatcher ports.Dispatcher = rdb
			var inline *usecase.InlineDispatcher
			if cfg.Dispatch == "inline" {
				pipeline := usecase.NewPipeline(st.tasks, jobs, bus, cfg.Pipeline.MaxDuration, log.Logger)
				inline = usecase.NewInlineDispatcher(ctx, pipeline, log.Logger)
				dispatcher = inline
			}

			query := usecase.Query{Tasks: st.tasks, Artifacts: st.artifacts}
			conns := connection.NewManager(bus, query, connection.Config{
				StaleAfter:    cfg.Viewer.StaleAfter,
				SweepInterval: cfg.Viewer.SweepInterval,
				OutboxSize:    cfg.Viewer.OutboxSize,
			}, log.Logger)

			server := api.NewServer(api.Deps{
				Submitter:             usecase.Submitter{Tasks: st.tasks, Jobs: jobs, Dispatch: dispatcher, Events: bus, Log: log.Logger},
				Canceller:             usecase.Canceller{Tasks: st.tasks, Events: bus, Log: log.Logger},
				Query:                 query,
				Conns:                 conns,
				Auth:                  api.NewAuthenticator(cfg.Auth.JWTSecret),
				RequireIdempotencyKey: cfg.RequireIdempotencyKey,
				Log:                   log.Logger,
			})

			log.Info().
				Str("dispatch", cfg.Dispatch).
				Str("relay", cfg.Relay.Driver).
				Str("store", cfg.Store.Driver).
				Msg("starting api")

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = bus.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				_ = conns.Run(ctx)
			}()

			err = server.Run(ctx, cfg.HTTP.Port, cfg.HTTP.ShutdownTimeout)
			stop()
			wg.Wait()
			if inline != nil {
				inline.Wait()
			}
			return err
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
