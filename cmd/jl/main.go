package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/job"
	"jobline/internal/job/builtin"
	"jobline/internal/logx"
	"jobline/internal/migrate"
	"jobline/internal/proc"
	"jobline/internal/repo"
	"jobline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Jobline CLI",
	Long: `Jobline runs background jobs on a pool of worker processes sharing one SQLite database.
- Tasks: one execution request of a job; waiting -> running -> finished (or failed after max_try).
- Tokens: named mutexes; tasks sharing a token never run at the same time, across all workers and nodes.
- Workers: slots 1..N on a node, each a separate "jl worker --slot=K" process.
- Supervisor: slot 0; respawns missing workers, runs cleanup and serves systemd notifications.
- Static tasks: run again every frequency minutes after each completion.
- Event log: diary of changes, view with 'jl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOBLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/jobline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on submitted tasks")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
	rootCmd.PersistentFlags().String("node", "", "override node name")
	rootCmd.PersistentFlags().String("db", "", "override database.path")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("node", rootCmd.PersistentFlags().Lookup("node"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func registerCommands() {
	rootCmd.AddCommand(supervisorCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(runOnceCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workersCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(configCmd())
}

func submitCmd() *cobra.Command {
	var spec engine.Spec
	var input, plannedAt string
	var unconditional bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit <job>",
		Short: "Submit a task",
		Long:  "Submit enqueues a task unless an identical one is already waiting. Use --unconditional to enqueue anyway.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Job = args[0]
			spec.CreatedBy = viper.GetString("actor-id")
			if input != "" {
				if err := json.Unmarshal([]byte(input), &spec.Input); err != nil {
					return fmt.Errorf("--input must be a JSON object: %w", err)
				}
			}
			if plannedAt != "" {
				ts, err := time.Parse(time.RFC3339, plannedAt)
				if err != nil {
					return fmt.Errorf("--planned-at: %w", err)
				}
				spec.PlannedAt = &ts
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var t domain.Task
				var err error
				if unconditional {
					t, err = e.SubmitUnconditional(ctx, spec)
				} else {
					t, err = e.Submit(ctx, spec)
				}
				if errors.Is(err, engine.ErrDuplicate) {
					fmt.Fprintln(os.Stderr, "an identical task is already waiting")
					return nil
				}
				if err != nil {
					return err
				}
				if wait <= 0 {
					return printJSONOrTable(t)
				}
				done, err := e.WaitUntilCompleted(ctx, wait, repo.CountFilters{Discriminator: t.Discriminator})
				if err != nil {
					return err
				}
				if !done {
					return fmt.Errorf("task %s still pending after %s", t.ID, wait)
				}
				t, err = e.Task(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "display name (defaults to the job)")
	cmd.Flags().StringVar(&spec.Action, "action", "", "job action (defaults to execute)")
	cmd.Flags().StringVar(&input, "input", "", "job input as a JSON object")
	cmd.Flags().IntVar(&spec.Priority, "priority", 0, "higher runs first")
	cmd.Flags().StringVar(&spec.Token, "token", "", "token serializing this task with others")
	cmd.Flags().StringVar(&spec.Index1, "index1", "", "free-form index for status queries")
	cmd.Flags().StringVar(&spec.Index2, "index2", "", "second free-form index")
	cmd.Flags().BoolVar(&spec.Static, "static", false, "rerun the task after each completion")
	cmd.Flags().IntVar(&spec.Frequency, "frequency", 0, "minutes between runs of a static task")
	cmd.Flags().StringVar(&plannedAt, "planned-at", "", "earliest start (RFC3339)")
	cmd.Flags().BoolVar(&unconditional, "unconditional", false, "skip duplicate suppression")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for the task to complete")
	return cmd
}

func statusCmd() *cobra.Command {
	var f repo.CountFilters
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counters and worker summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				counts, err := e.Status(ctx, f)
				if err != nil {
					return err
				}
				workers, err := e.WorkerStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"tasks": counts, "workers": workers})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Waiting", "Active", "Pending", "Finished", "Failed"})
				tw.AppendRow(table.Row{counts.Waiting, counts.Active, counts.Pending, counts.Finished, counts.Failed})
				tw.Render()
				fmt.Printf("workers: %d running, %d sleeping, %d disabled, supervisor=%d\n",
					workers.Running, workers.Sleeping, workers.Disabled, workers.Supervisor)
				return nil
			})
		},
	}
	addCountFlags(cmd, &f)
	return cmd
}

func addCountFlags(cmd *cobra.Command, f *repo.CountFilters) {
	cmd.Flags().StringVar(&f.Token, "token", "", "token filter")
	cmd.Flags().StringVar(&f.Discriminator, "discriminator", "", "discriminator filter")
	cmd.Flags().StringVar(&f.Index1, "index1", "", "index1 filter")
	cmd.Flags().StringVar(&f.Index2, "index2", "", "index2 filter")
	cmd.Flags().StringVar(&f.Job, "job", "", "job filter")
}

func workersCmd() *cobra.Command {
	w := &cobra.Command{Use: "workers", Short: "Inspect and toggle worker slots"}
	w.AddCommand(workersListCmd())
	w.AddCommand(workersToggleCmd("enable", true))
	w.AddCommand(workersToggleCmd("disable", false))
	return w
}

func workersListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worker records of this node (see --node) or of every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				node := ""
				if !all {
					node = e.Config.NodeName()
				}
				items, err := e.Workers(ctx, node)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Node", "Slot", "PID", "Enabled", "Running", "Last Seen", "Task"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Node, w.Slot, w.PID, w.Enabled, w.Running, w.LastSeen.Format(time.RFC3339), w.Task})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every node")
	return cmd
}

func workersToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a worker slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid worker id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.SetWorkerEnabled(ctx, id, enabled)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Job", "Prio", "Token", "Try", "State", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Job, t.Priority, deref(t.Token), t.Try, taskState(t), t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	addCountFlags(cmd, &f.CountFilters)
	cmd.Flags().StringVar(&f.State, "state", "", "waiting, active, pending, finished or failed")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Task(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Inspect tokens"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListTokens(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Held", "Locked At", "Version", "Used At"})
				for _, tok := range items {
					tw.AppendRow(table.Row{tok.Name, tok.Held(now, e.Config.Token.SelfReleaseDelay), formatTimePtr(tok.LockedAt), tok.Version, formatTimePtr(tok.UsedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return t
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune finished tasks, unused tokens and old events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Cleanup(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.Actor, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API credentials"}
	var subject string
	var perms []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("server.jwt_secret or JOBLINE_JWT_SECRET is required")
			}
			claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
			}
			tok, err := server.IssueToken(secret, subject, perms, claims)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "actor id the token authenticates")
	issue.Flags().StringSliceVar(&perms, "perm", []string{server.PermTasksRead}, "permission to grant (repeatable; * grants all)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	_ = issue.MarkFlagRequired("subject")
	a.AddCommand(issue)
	a.AddCommand(authKeyCmd())
	return a
}

func authKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage X-Api-Key credentials"}

	var actor, name string
	var perms []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, actor, name, perms)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": plain, "record": key})
				}
				fmt.Println(plain)
				fmt.Fprintf(os.Stderr, "created key %s for %s\n", key.ID, key.ActorID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&perms, "perm", []string{server.PermTasksRead}, "permission to grant (repeatable; * grants all)")
	_ = create.MarkFlagRequired("actor")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.APIKeys(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, strings.Join(key.Permissions, ","), key.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "actor", "", "actor filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0])
			})
		},
	}

	k.AddCommand(create, list, revoke)
	return k
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect node config",
		Long:  "Config lives in <workspace>/jobline.yml. Missing keys take the defaults shown by 'jl config init'.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "path": path, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadConfig() (*config.Config, string, error) {
	path := configPath()
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, path, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if node := viper.GetString("node"); node != "" {
		cfg.Node = node
	}
	if dbPath := viper.GetString("db"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, path, nil
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt_secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func dbConfig(cfg *config.Config) db.Config {
	workspace := viper.GetString("workspace")
	path := cfg.Database.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return db.Config{Workspace: workspace, Path: path, BusyTimeout: cfg.Database.BusyTimeout}
}

func newLogger(cfg *config.Config) (logx.Logger, error) {
	return logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		JSON:    cfg.Log.JSON,
		File:    cfg.Log.File,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	conn, err := db.Open(dbConfig(cfg))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	jobs := job.NewRegistry()
	builtin.Register(jobs, builtin.Options{BatchPageSize: cfg.Task.BatchPageSize})
	e := engine.New(conn, cfg, jobs)
	e.Log = log
	e.Procs = proc.Local()
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func taskState(t domain.Task) string {
	switch {
	case t.Running:
		return "running"
	case t.Finished && t.Fault != nil:
		return "failed"
	case t.Finished:
		return "finished"
	default:
		return "waiting"
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.Format(time.RFC3339)
}
