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

	"gantry/internal/app"
	"gantry/internal/config"
	"gantry/internal/db"
	"gantry/internal/engine"
	"gantry/internal/engine/auth"
	"gantry/internal/migrate"
	"gantry/internal/repo"
	"gantry/internal/server"
	"gantry/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry CLI",
	Long: `Gantry tracks tickets moving through a shared workflow, with a proposal
queue in front of the status changes that need sign-off.
- Workspace: your .gantry directory holding the database; gantry.yml names the account.
- Account: the tenant that owns every project, ticket, user and proposal.
- Tickets: work items with statuses not_started, in_progress, blocked, complete.
- Transitions: pm/admin moves apply immediately; engineer moves queue a proposal.
- Proposals: one pending per ticket; pm/admin approve or reject, approval applies the move.
- Event log: diary of changes, view with 'gantry log tail'.`,
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
	viper.SetEnvPrefix("GANTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "role for first contact (stored role wins afterwards)")
	rootCmd.PersistentFlags().String("account", "", "account id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage the workspace account"}
	acc.AddCommand(accountInitCmd())
	acc.AddCommand(accountShowCmd())
	return acc
}

func accountInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace account and config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			a, err := e.InitAccount(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cfgPath)
			return printJSONOrTable(a)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "account id")
	cmd.Flags().StringVar(&name, "name", "", "account name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAccount(ctx, e.Config.Account.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				p, err := e.CreateProject(ctx, actor, engine.ProjectCreateOptions{ID: id, Name: name, Description: desc})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, e.Config.Account.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Account.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "ticket",
		Short: "Manage tickets",
		Long:  "Tickets flow between not_started, in_progress, blocked and complete. 'gantry ticket move' applies the change when your role allows it and files a proposal when it does not.",
	}
	t.AddCommand(ticketCreateCmd())
	t.AddCommand(ticketListCmd())
	t.AddCommand(ticketShowCmd())
	t.AddCommand(ticketMoveCmd())
	t.AddCommand(ticketProposalsCmd())
	return t
}

func ticketCreateCmd() *cobra.Command {
	var opts engine.TicketCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				t, err := e.CreateTicket(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "ticket id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "body text")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.AccountID = e.Config.Account.ID
				tickets, err := e.Repo.ListTickets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Project"})
				for _, t := range tickets {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, assignee, t.ProjectID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTicket(ctx, e.Config.Account.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketMoveCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Request a status transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("ticket id required")
			}
			if !workflow.Valid(to) {
				return fmt.Errorf("invalid status %q (one of %s)", to, strings.Join(workflow.Statuses(), ", "))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.RequestTransition(ctx, actor, args[0], to)
				if err != nil {
					return err
				}
				if res.Applied != nil {
					fmt.Printf("Applied: %s -> %s\n", res.Applied.ID, res.Applied.Status)
					return printJSONOrTable(res.Applied)
				}
				fmt.Printf("Queued proposal %s (%s -> %s); awaiting pm/admin resolution\n", res.Queued.ID, res.Queued.FromStatus, res.Queued.ToStatus)
				return printJSONOrTable(res.Queued)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func ticketProposalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals <id>",
		Short: "Proposal history for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposalsForTicket(ctx, e.Config.Account.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Review pending transition proposals",
	}
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalRejectCmd())
	return p
}

func proposalListCmd() *cobra.Command {
	var projectID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.ListPendingProposals(ctx, actor, projectID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Ticket", "From", "To", "By", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.TicketID, p.FromStatus, p.ToStatus, p.ProposedBy, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveProposal(cmd.Context(), args[0], "approved", "")
		},
	}
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveProposal(cmd.Context(), args[0], "rejected", reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func resolveProposal(ctx context.Context, proposalID, outcome, reason string) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := cliIdentity(ctx, e)
		if err != nil {
			return err
		}
		p, t, err := e.ResolveTransition(ctx, actor, proposalID, outcome, reason)
		if err != nil {
			return err
		}
		if t != nil {
			fmt.Printf("Proposal %s approved; ticket %s now %s\n", p.ID, t.ID, t.Status)
		} else {
			fmt.Printf("Proposal %s rejected\n", p.ID)
		}
		return printJSONOrTable(p)
	})
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage account users"}
	u.AddCommand(userListCmd())
	u.AddCommand(userSetRoleCmd())
	u.AddCommand(userRetireCmd())
	return u
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListUsers(ctx, e.Config.Account.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Specialization", "Retired"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Role, u.Specialization, u.Retired})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userSetRoleCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "set-role <id>",
		Short: "Set a user's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				u, err := e.SetUserRole(ctx, actor, args[0], role)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "admin, pm, engineer or viewer")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userRetireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retire <id>",
		Short: "Retire a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				return e.RetireUser(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				plaintext := server.NewAPIKeyPlaintext()
				key, err := e.CreateAPIKey(ctx, actor, name, plaintext)
				if err != nil {
					return err
				}
				fmt.Printf("Key (store it now, shown once): %s\n", plaintext)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListAPIKeys(ctx, actor.AccountID, actor.UserID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliIdentity(ctx, e)
				if err != nil {
					return err
				}
				return e.DeleteAPIKey(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Account.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveAccountAndConfig(cmd.Context(), workspace, viper.GetString("account"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GANTRY_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				EnableDevLogin:         cfg.Auth.EnableDevLogin,
				DefaultAccountID:       cfg.Account.ID,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("GANTRY_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gantry API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	_, cfg, err := app.ResolveAccountAndConfig(ctx, workspace, viper.GetString("account"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// cliIdentity materializes the local actor. First contact stores the --role
// flag; after that the stored role is what counts.
func cliIdentity(ctx context.Context, e engine.Engine) (auth.Identity, error) {
	u, err := e.EnsureUser(ctx, auth.Identity{
		UserID:    viper.GetString("actor-id"),
		AccountID: e.Config.Account.ID,
		Role:      viper.GetString("role"),
	})
	if err != nil {
		return auth.Identity{}, err
	}
	if u.Retired {
		return auth.Identity{}, fmt.Errorf("user %s is retired", u.ID)
	}
	return auth.Identity{UserID: u.ID, AccountID: u.AccountID, Role: u.Role}, nil
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
