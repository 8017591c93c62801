package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentnet/internal/app"
	"agentnet/internal/config"
	"agentnet/internal/db"
	"agentnet/internal/engine"
	"agentnet/internal/events"
	"agentnet/internal/migrate"
	"agentnet/internal/repo"
	"agentnet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "an",
	Short: "Agentnet CLI",
	Long: `Agentnet coordinates a population of autonomous agents.
Core concepts:
- Workspace: the .agentnet directory holding the database; tunables live in agentnet.yml.
- Agents: identities with a type, status, strategy blob, performance score, and cash flow; destruction is a soft tombstone.
- Relationships: weighted edges between agents, strengthened by concluded negotiations.
- Negotiations: proposed -> accepted/rejected/countered, ending concluded or abandoned; each agent's stance decides its responses.
- Event log: the append-only diary of every state change, view with 'an log tail'.
- Metrics: raw samples per agent, rolled up over 7/30/90 day windows.`,
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
	viper.SetEnvPrefix("AGENTNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("deployment", "", "deployment id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("deployment", rootCmd.PersistentFlags().Lookup("deployment"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(negotiateCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var deploymentID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agentnet.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if deploymentID == "" {
				deploymentID = "local"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(deploymentID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "deployment identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				return printJSON(c.Config)
			})
		},
	}
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents"}
	cmd.AddCommand(agentCreateCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentShowCmd())
	cmd.AddCommand(agentUpdateCmd())
	cmd.AddCommand(agentDestroyCmd())
	cmd.AddCommand(agentRelationshipsCmd())
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var name, agentType, status, strategy, idemKey string
	var score, cashFlow float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			if agentType == "" {
				return fmt.Errorf("--type required")
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				a, err := c.CreateAgent(ctx, engine.AgentCreateOptions{
					Name:             name,
					Type:             agentType,
					Status:           status,
					StrategyJSON:     strategy,
					PerformanceScore: score,
					CashFlow:         cashFlow,
					IdempotencyKey:   idemKey,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type")
	cmd.Flags().StringVar(&status, "status", "", "initial status")
	cmd.Flags().StringVar(&strategy, "strategy", "", "strategy JSON blob")
	cmd.Flags().Float64Var(&score, "score", 0, "initial performance score")
	cmd.Flags().Float64Var(&cashFlow, "cash-flow", 0, "initial cash flow balance")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key for exactly-once creation")
	return cmd
}

func agentListCmd() *cobra.Command {
	var agentType, status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				items, err := c.ListAgents(ctx, repo.AgentFilters{
					Type:   agentType,
					Status: status,
					Limit:  limit,
					Offset: offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Score", "Cash Flow"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Type, a.Status,
						fmt.Sprintf("%.2f", a.PerformanceScore), fmt.Sprintf("%.2f", a.CashFlow)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentType, "type", "", "filter by type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				a, err := c.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentUpdateCmd() *cobra.Command {
	var name, status, strategy string
	var score, cashFlow float64
	cmd := &cobra.Command{
		Use:   "update <agent-id>",
		Short: "Update agent fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AgentUpdateOptions{}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("strategy") {
				opts.StrategyJSON = &strategy
			}
			if cmd.Flags().Changed("score") {
				opts.PerformanceScore = &score
			}
			if cmd.Flags().Changed("cash-flow") {
				opts.CashFlow = &cashFlow
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				a, err := c.UpdateAgent(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&status, "status", "", "agent status")
	cmd.Flags().StringVar(&strategy, "strategy", "", "strategy JSON blob")
	cmd.Flags().Float64Var(&score, "score", 0, "performance score")
	cmd.Flags().Float64Var(&cashFlow, "cash-flow", 0, "cash flow balance")
	return cmd
}

func agentDestroyCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "destroy <agent-id>",
		Short: "Destroy agent (soft tombstone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				a, err := c.DestroyAgent(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the destroy event")
	return cmd
}

func agentRelationshipsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relationships <agent-id>",
		Short: "List agent relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				items, err := c.GetRelationships(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Peer", "Name", "Type", "Edge Type", "Strength"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.PeerAgentID, v.PeerName, v.PeerType, v.Type,
						fmt.Sprintf("%.2f", v.Strength)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func connectCmd() *cobra.Command {
	var source, target, edgeType string
	var strength float64
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Create a connection between two agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" || target == "" {
				return fmt.Errorf("--source and --target required")
			}
			opts := engine.ConnectionOptions{
				SourceAgentID: source,
				TargetAgentID: target,
				Type:          edgeType,
			}
			if cmd.Flags().Changed("strength") {
				opts.Strength = &strength
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				rel, err := c.CreateConnection(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source agent id")
	cmd.Flags().StringVar(&target, "target", "", "target agent id")
	cmd.Flags().StringVar(&edgeType, "type", "", "relationship type")
	cmd.Flags().Float64Var(&strength, "strength", 0, "initial strength [0,1]")
	return cmd
}

func negotiateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "negotiate", Short: "Run negotiations between agents"}
	cmd.AddCommand(negotiateStartCmd())
	cmd.AddCommand(negotiateShowCmd())
	cmd.AddCommand(negotiateDecideCmd())
	cmd.AddCommand(negotiateRunCmd())
	return cmd
}

func negotiateStartCmd() *cobra.Command {
	var initiator, target, negType, terms string
	var run bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Initiate a negotiation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initiator == "" || target == "" {
				return fmt.Errorf("--initiator and --target required")
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				n, err := c.InitiateNegotiation(ctx, engine.NegotiationOptions{
					InitiatorAgentID: initiator,
					TargetAgentID:    target,
					Type:             negType,
					TermsJSON:        terms,
				})
				if err != nil {
					return err
				}
				if run {
					n, err = c.DriveNegotiation(ctx, n.ID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&initiator, "initiator", "", "initiator agent id")
	cmd.Flags().StringVar(&target, "target", "", "target agent id")
	cmd.Flags().StringVar(&negType, "type", "", "negotiation type")
	cmd.Flags().StringVar(&terms, "terms", "", "terms JSON blob")
	cmd.Flags().BoolVar(&run, "run", false, "drive to a terminal state via agent policies")
	return cmd
}

func negotiateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <negotiation-id>",
		Short: "Show negotiation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				n, err := c.GetNegotiation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func negotiateDecideCmd() *cobra.Command {
	var action, counterTerms string
	cmd := &cobra.Command{
		Use:   "decide <negotiation-id>",
		Short: "Apply an explicit decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				n, err := c.DecideNegotiation(ctx, args[0], engine.DecisionSignal{
					Action:           action,
					CounterTermsJSON: counterTerms,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "accept, reject, or counter")
	cmd.Flags().StringVar(&counterTerms, "counter-terms", "", "revised terms JSON (with --action counter)")
	return cmd
}

func negotiateRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <negotiation-id>",
		Short: "Drive a pending negotiation to a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				n, err := c.DriveNegotiation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "metrics", Short: "Record and aggregate agent metrics"}
	cmd.AddCommand(metricsRecordCmd())
	cmd.AddCommand(metricsShowCmd())
	return cmd
}

func metricsRecordCmd() *cobra.Command {
	var name string
	var value float64
	cmd := &cobra.Command{
		Use:   "record <agent-id>",
		Short: "Record a metric sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				s, err := c.RecordMetric(ctx, args[0], name, value)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "metric name")
	cmd.Flags().Float64Var(&value, "value", 0, "sample value")
	return cmd
}

func metricsShowCmd() *cobra.Command {
	var metric string
	var windowDays int
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Aggregate metrics over a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				items, err := c.AggregateMetrics(ctx, args[0], metric, windowDays)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Avg", "Min", "Max", "Count"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.MetricName,
						fmt.Sprintf("%.2f", m.Average), fmt.Sprintf("%.2f", m.Min),
						fmt.Sprintf("%.2f", m.Max), m.Count})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&metric, "metric", "", "metric name filter")
	cmd.Flags().IntVar(&windowDays, "window", 0, "window in days (7, 30, or 90; other values mean all-time)")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: agent changes, connections, negotiation steps, metrics.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, agentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				events, err := c.ListEvents(ctx, repo.EventFilters{
					SubjectAgentID: agentID,
					Type:           evtType,
					Limit:          n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "subject agent id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				key, raw, err := c.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				fmt.Println("api key (store it now, it is not shown again):", raw)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				keys, err := c.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, c engine.Coordinator) error {
				return c.RevokeAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("deployment"), r)
			if err != nil {
				return err
			}
			c := engine.New(conn, cfg)
			rt := c.Start()
			defer rt.Stop()

			secret := os.Getenv("AGENTNET_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("AGENTNET_JWT_SECRET is required for bearer auth")
			}
			authCfg := server.AuthConfig{
				JWTSecret:              secret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			handler, err := server.New(server.Config{Coordinator: c, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agentnet API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withCoordinator(ctx context.Context, fn func(context.Context, engine.Coordinator) error) error {
	ctx = events.WithActor(ctx, viper.GetString("actor-id"))
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("deployment"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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
