package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mitchellfyi/launchonomy/internal/config"
	"github.com/mitchellfyi/launchonomy/internal/consensus"
	"github.com/mitchellfyi/launchonomy/internal/db"
	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/events"
	"github.com/mitchellfyi/launchonomy/internal/guardrail"
	"github.com/mitchellfyi/launchonomy/internal/migrate"
	"github.com/mitchellfyi/launchonomy/internal/mission"
	"github.com/mitchellfyi/launchonomy/internal/orchestrator"
	"github.com/mitchellfyi/launchonomy/internal/participant"
	"github.com/mitchellfyi/launchonomy/internal/provision"
	"github.com/mitchellfyi/launchonomy/internal/registry"
	"github.com/mitchellfyi/launchonomy/internal/repo"
	"github.com/mitchellfyi/launchonomy/internal/server"
	"github.com/mitchellfyi/launchonomy/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "launchonomy",
	Short: "Launchonomy CLI",
	Long: `Launchonomy drives autonomous business missions through repeated
plan -> execute -> review cycles under a hard cost guardrail.
- Mission: one objective, driven cycle by cycle until completed, failed, or paused.
- Roster: the founding decision participants (CEO/CRO/CTO/CFO agents) that plan,
  review, and vote. Capability changes require a unanimous yes.
- Registry: every agent and tool the system may use; new capabilities enter as
  stubs and only become active after an accepted proposal.
- Guardrail: cycles that push cost above the configured fraction of revenue
  pause the mission until a strategic pivot is approved.
- Checkpoints: every cycle is durably checkpointed; a crashed mission resumes
  from its last good state with 'launchonomy mission cycle <id>'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("LAUNCHONOMY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// deps is everything a command needs, built once per invocation.
type deps struct {
	Conn  *sql.DB
	Cfg   *config.Config
	Store *mission.Store
	Repo  repo.Repo
	Reg   *registry.Service
	Orch  *orchestrator.Orchestrator
	Log   zerolog.Logger
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func withDeps(ctx context.Context, fn func(context.Context, *deps) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	missionsDir, err := db.MissionsDir(workspace)
	if err != nil {
		return err
	}
	log := newLogger()
	reg := registry.New(conn)
	rp := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	roster := buildRoster(cfg)
	cons := &consensus.Engine{
		DB:       conn,
		Repo:     rp,
		Events:   ev,
		Registry: reg,
		Roster:   roster,
		Query:    participant.QueryOptions{Timeout: cfg.AskTimeout(), Retries: cfg.Participants.AskRetries},
		Log:      log,
	}
	prov := &provision.Provisioner{
		Allow:     cfg.Provision.AllowPatterns,
		Deny:      cfg.Provision.DenyPatterns,
		Registry:  reg,
		Consensus: cons,
		Repo:      rp,
		Log:       log,
	}
	store := mission.NewStore(missionsDir, log)
	orch := &orchestrator.Orchestrator{
		Cfg:         cfg,
		Store:       store,
		Registry:    reg,
		Consensus:   cons,
		Provisioner: prov,
		Roster:      roster,
		Steps:       buildSteps(cfg, reg),
		Guardrail:   guardrail.Guardrail{MaxCostRatio: cfg.Guardrail.MaxCostRatio, Epsilon: cfg.Guardrail.Epsilon},
		Events:      ev,
		Repo:        rp,
		Log:         log,
	}
	return fn(ctx, &deps{
		Conn:  conn,
		Cfg:   cfg,
		Store: store,
		Repo:  rp,
		Reg:   reg,
		Orch:  orch,
		Log:   log,
	})
}

func buildRoster(cfg *config.Config) participant.Roster {
	client := openai.NewClient(os.Getenv("OPENAI_API_KEY"))
	members := make([]participant.Participant, 0, len(cfg.Roster.Members))
	for _, m := range cfg.Roster.Members {
		members = append(members, participant.NewOpenAIParticipant(client, m.Name, m.Role, cfg.Participants.Model))
	}
	return participant.NewStaticRoster(members...)
}

// buildSteps maps the configured workflow sequence onto registry-backed
// steps. Steps without a live capability report the gap so the provisioning
// path can fill it.
func buildSteps(cfg *config.Config, reg *registry.Service) []workflow.Step {
	steps := make([]workflow.Step, 0, len(cfg.Workflow.Sequence))
	for _, name := range cfg.Workflow.Sequence {
		steps = append(steps, workflow.NewConfiguredStep(name, reg.Has))
	}
	return steps
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions run plan -> execute -> review cycles until the objective is reached, the budget guardrail pauses them, or a failure condition ends them. Every cycle is checkpointed to disk.",
	}
	m.AddCommand(missionRunCmd())
	m.AddCommand(missionCycleCmd())
	m.AddCommand(missionStatusCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionStopCmd())
	m.AddCommand(missionResumeCmd())
	m.AddCommand(missionArchiveCmd())
	return m
}

func missionRunCmd() *cobra.Command {
	var objective string
	var resumeID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mission to a terminal state",
		Long:  "Creates a mission (or resumes one with --id) and drives cycles until it completes, fails, or pauses. Ctrl-C requests a cooperative stop at the next phase boundary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if objective == "" && resumeID == "" {
				return fmt.Errorf("--objective or --id required")
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				var state domain.MissionState
				var err error
				if resumeID != "" {
					state, err = d.Orch.Resume(ctx, resumeID)
				} else {
					state, err = d.Orch.Create(ctx, objective)
				}
				if err != nil {
					return err
				}
				stopOnSignal(ctx, d.Orch, state.MissionID)
				if state.Status == domain.MissionPaused {
					if err := d.Orch.Unpause(ctx, &state); err != nil {
						return err
					}
					if state.Status == domain.MissionPaused {
						fmt.Println("pivot proposal rejected, mission stays paused")
						return nil
					}
				}
				if err := d.Orch.Run(ctx, &state); err != nil {
					return err
				}
				return printMission(state)
			})
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "mission objective")
	cmd.Flags().StringVar(&resumeID, "id", "", "resume an existing mission")
	return cmd
}

func missionCycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle <mission-id>",
		Short: "Run a single mission cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				state, err := d.Orch.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				stopOnSignal(ctx, d.Orch, state.MissionID)
				if err := d.Orch.RunCycle(ctx, &state); err != nil {
					return err
				}
				return printMission(state)
			})
		},
	}
	return cmd
}

func missionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <mission-id>",
		Short: "Show mission state from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				state, repaired, err := d.Store.Load(args[0])
				if err != nil {
					return err
				}
				if repaired {
					fmt.Fprintln(os.Stderr, "note: checkpoint was repaired from its predecessor")
				}
				return printMission(state)
			})
		},
	}
	return cmd
}

func missionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				states, err := d.Store.List()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Objective", "Status", "Cycles", "Cost", "Revenue"})
				for _, s := range states {
					tw.AppendRow(table.Row{
						s.MissionID, s.Objective, s.Status, s.IterationCount,
						fmt.Sprintf("%.2f", s.CostAccumulated),
						fmt.Sprintf("%.2f", s.RevenueAccumulated),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func missionStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <mission-id>",
		Short: "Request a cooperative stop",
		Long:  "Leaves a durable stop marker. A loop driving this mission (in this process or another) pauses at its next phase boundary; no in-flight step is interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				if _, _, err := d.Store.Load(args[0]); err != nil {
					return err
				}
				d.Orch.RequestStop(args[0])
				fmt.Printf("stop requested for mission %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func missionResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <mission-id>",
		Short: "Unpause a paused mission",
		Long:  "Puts a paused mission's pending strategic pivot (if any) to a consensus vote. An accepted pivot returns the mission to planning; a rejected one leaves it paused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				state, err := d.Orch.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				if err := d.Orch.Unpause(ctx, &state); err != nil {
					return err
				}
				return printMission(state)
			})
		},
	}
	return cmd
}

func missionArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <mission-id>",
		Short: "Archive a mission's checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				if err := d.Store.Archive(args[0]); err != nil {
					return err
				}
				fmt.Printf("archived mission %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func registryCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the capability registry",
		Long:  "The registry is the ledger of every agent and tool the system may use. Entries move stub -> active -> certified; rejected or withdrawn capabilities are retired, never deleted.",
	}
	r.AddCommand(registryListCmd())
	r.AddCommand(registryShowCmd())
	return r
}

func registryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				entries, err := d.Reg.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Kind", "Status", "Source", "Updated"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Name, e.Kind, e.Status, e.Source, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func registryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				e, err := d.Reg.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Inspect proposals",
		Long:  "Proposals are capability-change requests put to the roster for a unanimous vote: new agents, new tools, and strategic pivots.",
	}
	p.AddCommand(proposalListCmd())
	return p
}

func proposalListCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				props, err := d.Repo.ListProposals(ctx, missionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(props)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Status", "Mission"})
				for _, p := range props {
					tw.AppendRow(table.Row{p.ID, p.Kind, p.Name, p.Status, p.MissionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "filter by mission id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit trail",
		Long:  "The append-only diary of everything that happened: cycles, ballots, provisioning, guardrail violations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var missionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				evts, err := d.Repo.ListEvents(ctx, missionID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&missionID, "mission", "", "filter by mission id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage launchonomy.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default launchonomy.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				return printJSON(d.Cfg)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate launchonomy.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				secret := d.Cfg.Server.JWTSecret
				if secret == "" {
					secret = os.Getenv("LAUNCHONOMY_JWT_SECRET")
				}
				if secret == "" {
					return fmt.Errorf("server.jwt_secret or LAUNCHONOMY_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Orchestrator: d.Orch,
					Store:        d.Store,
					Registry:     d.Reg,
					Repo:         d.Repo,
					BasePath:     basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: d.Cfg.Server.AllowLegacyActorHeader,
						Logger:                 d.Log,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Launchonomy API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// stopOnSignal converts the first SIGINT/SIGTERM into a cooperative stop
// request so the running cycle pauses at its next phase boundary. A second
// signal kills the process.
func stopOnSignal(ctx context.Context, orch *orchestrator.Orchestrator, missionID string) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "stop requested, pausing at next phase boundary (interrupt again to force quit)")
			orch.RequestStop(missionID)
			select {
			case <-ch:
				os.Exit(1)
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func printMission(state domain.MissionState) error {
	if viper.GetBool("json") {
		return printJSON(state)
	}
	fmt.Printf("Mission:   %s\n", state.MissionID)
	fmt.Printf("Objective: %s\n", state.Objective)
	fmt.Printf("Status:    %s\n", state.Status)
	if state.FailureReason != "" {
		fmt.Printf("Reason:    %s\n", state.FailureReason)
	}
	fmt.Printf("Cycles:    %d/%d\n", state.IterationCount, state.MaxIterations)
	fmt.Printf("Cost:      %.2f\n", state.CostAccumulated)
	fmt.Printf("Revenue:   %.2f\n", state.RevenueAccumulated)
	if n := len(state.CycleHistory); n > 0 {
		last := state.CycleHistory[n-1]
		fmt.Printf("Last plan: %s (%s)\n", last.PlanSummary, last.Outcome)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
