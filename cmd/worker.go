package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"taskrelay/internal/broadcast"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/usecase"
	"taskrelay/internal/worker"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		baseBackoff  time.Duration
		maxBackoff   time.Duration
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Dispatch != "stream" {
				return errors.New("worker requires DISPATCH_MODE=stream")
			}
			flags := cmd.Flags()
			if flags.Changed("consumer") {
				cfg.Worker.ConsumerName = consumerName
			}
			if flags.Changed("base-backoff") {
				cfg.Worker.BaseBackoff = baseBackoff
			}
			if flags.Changed("max-backoff") {
				cfg.Worker.MaxBackoff = maxBackoff
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			cli := redisq.New(cfg.Redis)
			defer cli.Close()
			if err := cli.Init(ctx); err != nil {
				return err
			}

			relay, closeRelay, err := openRelay(cfg, cli)
			if err != nil {
				return err
			}
			defer closeRelay()
			bus := broadcast.New(relay, cfg.Relay.QueueSize, log.Logger)

			jobs, err := newJobs(ctx, cfg, st.artifacts)
			if err != nil {
				return err
			}

			return worker.Run(ctx, worker.Deps{
				Queue:    cli,
				Pipeline: usecase.NewPipeline(st.tasks, jobs, bus, cfg.Pipeline.MaxDuration, log.Logger),
				Bus:      bus,
				Cfg:      cfg.Worker,
				Log:      log.Logger,
			})
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff duration")

	return command
}
