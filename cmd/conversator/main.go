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

	"github.com/logabell/conversator/internal/bootstrap"
	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/internal/db"
	"github.com/logabell/conversator/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "conversator",
	Short: "Conversator CLI",
	Long: `Conversator turns spoken developer requests into structured handoffs for
coding-agent builders.
Core concepts:
- Workspace: a directory holding state/ (event log database), prompts/, inbox/, and cache/.
- Task: one spoken request, tracked from draft through refining, ready_to_handoff, handed_off, running, and done (or failed/canceled).
- Working prompt: the in-progress draft captured from the conversation; freezing it produces the immutable handoff contract.
- Gate: a pause point (write/run/destructive) a builder raises mid-session that a human must approve or deny.
- Inbox: the durable feed of things worth a human's attention, derived one-for-one from the event log.
- Builder: an external coding-agent server a task's frozen handoff is dispatched to.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		return db.EnsureWorkspace(workspace)
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
	viper.SetEnvPrefix("CONVERSATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(builderCmd())
	rootCmd.AddCommand(migrateCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default conversator.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				fmt.Println("migrations applied")
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST+WebSocket API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.New(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.Run(cmd.Context()); err != nil {
				return err
			}
			handler, err := app.Handler(basePath)
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
			fmt.Printf("Serving Conversator API on http://%s%s (OpenAPI at http://%s/openapi.json)\n", addr, basePath, addr)
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

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks move draft -> refining -> ready_to_handoff -> handed_off -> running -> done, with awaiting_user and awaiting_gate detours and canceled/failed exits.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskFreezeCmd())
	task.AddCommand(taskDispatchCmd())
	task.AddCommand(taskQuickDispatchCmd())
	task.AddCommand(taskGateCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				taskID, err := app.Orchestrator.CreateTask(ctx, title, priority, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"task_id": taskID})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority (low, normal, high, urgent)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				snap := app.Log.Snapshot()
				if viper.GetBool("json") {
					return printJSON(snap.Tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority"})
				for _, t := range snap.Tasks {
					if status != "" && t.Status != status {
						continue
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				t, ok := app.Log.Task(args[0])
				if !ok {
					return fmt.Errorf("task %s not found", args[0])
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskFreezeCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "freeze <id>",
		Short: "Freeze the working prompt into a handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				return fmt.Errorf("--goal required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				result, err := app.Orchestrator.FreezePrompt(ctx, args[0], orchestrator.FreezePromptOptions{Goal: goal}, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "handoff goal statement")
	return cmd
}

func taskDispatchCmd() *cobra.Command {
	var builderKind, defaultModel string
	cmd := &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Dispatch a frozen handoff to a builder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if builderKind == "" {
				return fmt.Errorf("--builder-kind required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				sessionID, err := app.Orchestrator.Dispatch(ctx, args[0], builderKind, defaultModel)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"session_id": sessionID})
			})
		},
	}
	cmd.Flags().StringVar(&builderKind, "builder-kind", "", "builder kind to dispatch to")
	cmd.Flags().StringVar(&defaultModel, "model", "", "default model hint")
	return cmd
}

func taskQuickDispatchCmd() *cobra.Command {
	var operation, workingDir string
	cmd := &cobra.Command{
		Use:   "quick-dispatch <id> <command>",
		Short: "Run a simple, allowlisted query or mutation immediately",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if operation == "" {
				return fmt.Errorf("--operation required (query or simple_mutation)")
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				result, err := app.Orchestrator.QuickDispatch(ctx, args[0], operation, args[1], workingDir, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "query", "query or simple_mutation")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "working directory for the command")
	return cmd
}

func taskGateCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "gate <id>",
		Short: "Approve or deny a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision != "approve" && decision != "deny" {
				return fmt.Errorf("--decision must be approve or deny")
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				return app.Orchestrator.ResolveGate(ctx, args[0], decision == "approve", "")
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or deny")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				return app.Orchestrator.Cancel(ctx, args[0], reason, "")
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func inboxCmd() *cobra.Command {
	inboxCmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect the inbox feed",
		Long:  "The inbox is the durable, append-only feed of things worth a human's attention — one item per relevant event.",
	}
	inboxCmd.AddCommand(inboxListCmd())
	inboxCmd.AddCommand(inboxAckCmd())
	return inboxCmd
}

func inboxListCmd() *cobra.Command {
	var unreadOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inbox items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				items := app.Log.InboxItems()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Inbox ID", "Severity", "Summary", "Task", "Read"})
				for _, it := range items {
					if unreadOnly && it.ReadAt != nil {
						continue
					}
					read := "no"
					if it.ReadAt != nil {
						read = "yes"
					}
					tw.AppendRow(table.Row{it.InboxID, it.Severity, it.Summary, it.TaskID, read})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unreadOnly, "unread-only", false, "show only unread items")
	return cmd
}

func inboxAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <inbox-id>...",
		Short: "Acknowledge one or more inbox items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				return app.Notifier.Acknowledge(ctx, args)
			})
		},
	}
	return cmd
}

func builderCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "builder",
		Short: "Inspect configured builders",
	}
	b.AddCommand(builderListCmd())
	return b
}

func builderListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured builder kinds and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Health"})
				for _, kind := range app.Registry.Kinds() {
					adapter, _, _, err := app.Registry.Get(kind)
					label := "unknown"
					if err == nil && adapter != nil {
						result, healthErr := adapter.Health(ctx, "")
						if healthErr != nil {
							label = "unreachable"
						} else {
							label = string(result.Status)
						}
					}
					tw.AppendRow(table.Row{kind, label})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *bootstrap.App) error) error {
	app, err := bootstrap.New(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
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
