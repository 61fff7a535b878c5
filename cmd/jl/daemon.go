package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/config"
	"jobline/internal/engine"
	"jobline/internal/events"
	"jobline/internal/logx"
	"jobline/internal/proc"
	"jobline/internal/server"
	"jobline/internal/signals"
	"jobline/internal/supervisor"
	"jobline/internal/worker"
)

func supervisorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervisor",
		Short: "Run the node supervisor (slot 0)",
		Long:  "The supervisor keeps worker.count worker processes alive, runs the cleanup schedule and forwards events to webhooks. SIGUSR1 pauses spawning, SIGUSR2 resumes, SIGTERM stops the supervisor and its workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := loadConfig()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cfg := e.Config
				flags := signals.New(cfg.Signals.PackageLocks, cfg.Signals.LockPoll, e.Log)
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				flags.Listen(ctx)

				workerArgs := []string{"--workspace", viper.GetString("workspace"), "--config", path, "--node", cfg.NodeName()}
				if dbPath := viper.GetString("db"); dbPath != "" {
					workerArgs = append(workerArgs, "--db", dbPath)
				}
				spawner := proc.ExecSpawner{
					Args:   workerArgs,
					Stdout: os.Stdout,
					Stderr: os.Stderr,
				}
				sup := supervisor.New(e, spawner, e.Procs, flags, e.Log.With(logx.String("role", "supervisor")))
				sup.Dispatcher = events.NewDispatcher(e.Repo, cfg.NodeName(), cfg.Webhooks, e.Log.With(logx.String("role", "webhooks")))
				sup.ConfigPath = path
				sup.OnReload = func(next *config.Config) { flags.SetLocks(next.Signals.PackageLocks) }
				e.Log.Info("supervisor starting",
					logx.String("node", cfg.NodeName()),
					logx.Int("workers", cfg.Worker.Count),
					logx.String("config", path))
				return sup.Run(ctx)
			})
		},
	}
}

func workerCmd() *cobra.Command {
	var slot int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker slot",
		Long:  "Workers are normally spawned by the supervisor. A worker exits after worker.max_tasks tasks, after worker.max_age, above worker.max_memory_mb, when its slot is disabled, or when another process already serves the slot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slot < 1 {
				return fmt.Errorf("--slot must be >= 1")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cfg := e.Config
				name := cfg.NodeName() + "/" + strconv.Itoa(slot)
				log := e.Log.With(logx.String("worker", name))
				flags := signals.New(cfg.Signals.PackageLocks, cfg.Signals.LockPoll, log)
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				flags.Listen(ctx)

				loop := &worker.Loop{
					Manager: worker.NewManager(e.Repo, e.WorkerOptions(slot), e.Procs, log),
					Runner:  e.Runner(name),
					Flags:   flags,
					Events:  e.Events,
					Log:     log,
					PollMin: cfg.Worker.PollMin,
					PollMax: cfg.Worker.PollMax,
				}
				return loop.Run(ctx)
			})
		},
	}
	cmd.Flags().IntVar(&slot, "slot", 0, "worker slot (1..worker.count)")
	_ = cmd.MarkFlagRequired("slot")
	return cmd
}

func runOnceCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Execute at most one eligible task in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if name == "" {
					name = e.Config.NodeName() + "/cli"
				}
				r := e.Runner(name)
				defer r.Close(context.Background())
				res, err := r.Run(ctx)
				if err != nil {
					return err
				}
				if !res.Worked && !viper.GetBool("json") {
					fmt.Println("nothing to run")
					return nil
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name recorded on the task (default <node>/cli)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret: jwtSecret(e.Config),
					Keys:      e,
					Required:  e.Config.Server.RequireAuth,
					Log:       e.Log,
				}
				if authCfg.JWTSecret == "" && !authCfg.Required {
					e.Log.Warn("no jwt secret configured; API is unauthenticated", logx.String("addr", addr))
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Log: e.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Jobline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}
