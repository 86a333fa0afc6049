package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/beliaevvc/reskinlab-sub002/internal/app"
	"github.com/beliaevvc/reskinlab-sub002/internal/config"
	"github.com/beliaevvc/reskinlab-sub002/internal/db"
	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/engine"
	"github.com/beliaevvc/reskinlab-sub002/internal/logging"
	"github.com/beliaevvc/reskinlab-sub002/internal/migrate"
	"github.com/beliaevvc/reskinlab-sub002/internal/notify"
	"github.com/beliaevvc/reskinlab-sub002/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reskin lifecycle CLI",
	Long: `rl drives the commercial lifecycle of a reskin project.
- Workspace: a directory holding .reskin/reskin.db, an optional reskin.yml and a .env session.
- Stages: the ordered production pipeline (briefing to delivery). Activating a stage starts every
  earlier pending stage too; deactivating one resets every later started stage.
- Specification: priced items plus a payment model. Once finalized it is immutable.
- Offer: issued once per finalized specification, with one invoice per payment milestone.
- Invoices: pending -> awaiting_confirmation -> paid; staff may reject a submission back to pending.
- Approvals: client sign-off with counted revision rounds.
- Event log: every change is recorded, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// Values already in the environment win over the workspace .env.
		if err := gotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RESKIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the session default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(useCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(specCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- projects ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	var eager, use bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, engine.InitProjectOptions{
					ID:          id,
					Description: desc,
					EagerStages: eager,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if use {
					if err := app.SaveSession(viper.GetString("workspace"), app.Session{ProjectID: p.ID}); err != nil {
						return err
					}
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().BoolVar(&eager, "eager-stages", false, "create every stage row up front")
	cmd.Flags().BoolVar(&use, "use", false, "make it the session default")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Description", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.Description, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func useCmd() *cobra.Command {
	var spec string
	var reset bool
	cmd := &cobra.Command{
		Use:   "use [project-id]",
		Short: "Set the session project and specification in <workspace>/.env",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if reset {
				if err := app.ResetSession(workspace); err != nil {
					return err
				}
				fmt.Println("session cleared")
				return nil
			}
			s := app.Session{SpecificationID: spec}
			if len(args) == 1 {
				s.ProjectID = args[0]
			}
			if s.ProjectID == "" && s.SpecificationID == "" {
				return fmt.Errorf("nothing to set; pass a project id or --spec")
			}
			if err := app.SaveSession(workspace, s); err != nil {
				return err
			}
			if s.ProjectID != "" {
				fmt.Printf("Set %s=%s\n", app.EnvDefaultProject, s.ProjectID)
			}
			if s.SpecificationID != "" {
				fmt.Printf("Set %s=%s\n", app.EnvDefaultSpecification, s.SpecificationID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "default specification id")
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the session")
	return cmd
}

// --- stages ---

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Drive the production stages",
		Long:  "Stages follow the catalogue order. Stages never touched are listed as placeholders until an activation materializes them.",
	}
	st.AddCommand(stageListCmd())
	st.AddCommand(stageActivateCmd())
	st.AddCommand(stageDeactivateCmd())
	st.AddCommand(stageSetCmd())
	return st
}

func stageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stages in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				stages, err := e.ListStages(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				printStages(stages)
				return nil
			})
		},
	}
}

func stageActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <stage-key|stage-id>",
		Short: "Start a stage and every earlier pending stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.ActivateStage(ctx, projectID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCascade(res)
			})
		},
	}
}

func stageDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <stage-key|stage-id>",
		Short: "Reset a stage and every later started stage to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.DeactivateStage(ctx, projectID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCascade(res)
			})
		},
	}
}

func stageSetCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set <stage-id>",
		Short: "Set one stage's status without cascading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.UpdateStageStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|in_progress|review|completed|approved")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- specifications ---

// specFile is the YAML accepted by 'rl spec save --file'.
type specFile struct {
	ID           string            `yaml:"id"`
	GrandTotal   int64             `yaml:"grand_total"`
	PaymentModel string            `yaml:"payment_model"`
	Items        []domain.SpecItem `yaml:"items"`
}

func specCmd() *cobra.Command {
	sp := &cobra.Command{Use: "spec", Short: "Manage specifications"}
	sp.AddCommand(specSaveCmd())
	sp.AddCommand(specFinalizeCmd())
	sp.AddCommand(specShowCmd())
	sp.AddCommand(specListCmd())
	sp.AddCommand(specScheduleCmd())
	return sp
}

func specSaveCmd() *cobra.Command {
	var filePath string
	var use bool
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Create or replace a draft specification from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var f specFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				spec, err := e.SaveSpecification(ctx, engine.SpecificationInput{
					ID:           f.ID,
					ProjectID:    projectID,
					GrandTotal:   f.GrandTotal,
					Items:        f.Items,
					PaymentModel: f.PaymentModel,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if use {
					if err := app.SaveSession(viper.GetString("workspace"), app.Session{SpecificationID: spec.ID}); err != nil {
						return err
					}
				}
				return printJSONOrTable(spec)
			})
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "specification YAML")
	cmd.Flags().BoolVar(&use, "use", false, "make it the session default")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func specFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize [spec-id]",
		Short: "Freeze a specification",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSpec(cmd.Context(), args, func(ctx context.Context, e engine.Engine, specID string) error {
				spec, err := e.FinalizeSpecification(ctx, specID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(spec)
			})
		},
	}
}

func specShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [spec-id]",
		Short: "Show a specification",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSpec(cmd.Context(), args, func(ctx context.Context, e engine.Engine, specID string) error {
				spec, err := e.GetSpecification(ctx, specID)
				if err != nil {
					return err
				}
				return printJSONOrTable(spec)
			})
		},
	}
}

func specListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's specifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListSpecifications(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Model", "Grand total", "Items")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Status, s.State.PaymentModel.ID, s.Totals.GrandTotal, len(s.State.Items)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func specScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule [spec-id]",
		Short: "Preview the payment milestones of a specification",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSpec(cmd.Context(), args, func(ctx context.Context, e engine.Engine, specID string) error {
				ms, err := e.PreviewSchedule(ctx, specID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ms)
				}
				tw := newTable("#", "Milestone", "Percent", "Amount")
				var total int64
				for _, m := range ms {
					tw.AppendRow(table.Row{m.Order, m.Name, m.Percent, m.Amount})
					total += m.Amount
				}
				tw.AppendFooter(table.Row{"", "Total", "", total})
				tw.Render()
				return nil
			})
		},
	}
}

// --- offers ---

func offerCmd() *cobra.Command {
	of := &cobra.Command{Use: "offer", Short: "Issue and manage offers"}
	of.AddCommand(offerCreateCmd())
	of.AddCommand(offerShowCmd())
	of.AddCommand(offerAcceptCmd())
	of.AddCommand(offerCancelCmd())
	of.AddCommand(offerExpireCmd())
	return of
}

func offerCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [spec-id]",
		Short: "Issue the offer and invoices for a finalized specification",
		Long:  "Safe to repeat: a specification that already has an offer returns it unchanged.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSpec(cmd.Context(), args, func(ctx context.Context, e engine.Engine, specID string) error {
				res, err := e.IssueOffer(ctx, specID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				state := "existing"
				if res.Created {
					state = "created"
				}
				fmt.Printf("Offer %s (%s, %s) valid until %s\n", res.Offer.Number, res.Offer.Status, state, res.Offer.ValidUntil)
				printInvoices(res.Invoices)
				if res.Partial != nil {
					fmt.Fprintln(os.Stderr, "warning:", res.Partial.Error())
				}
				return nil
			})
		},
	}
}

func offerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <offer-id>",
		Short: "Show an offer with its invoices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				invoices, err := e.ListOfferInvoices(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"offer": o, "invoices": invoices})
				}
				fmt.Printf("Offer %s (%s) valid until %s\n", o.Number, o.Status, o.ValidUntil)
				printInvoices(invoices)
				return nil
			})
		},
	}
}

func offerAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <offer-id>",
		Short: "Accept a pending offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AcceptOffer(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func offerCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <offer-id>",
		Short: "Cancel an offer and its unpaid invoices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CancelOffer(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func offerExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire pending offers past their validity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireOffers(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("expired %d offer(s)\n", n)
				return nil
			})
		},
	}
}

// --- invoices ---

func invoiceCmd() *cobra.Command {
	inv := &cobra.Command{
		Use:   "invoice",
		Short: "Track invoice payments",
		Long:  "Clients submit a transaction hash; staff confirm or reject it. A rejected payment returns to pending.",
	}
	inv.AddCommand(invoiceListCmd())
	inv.AddCommand(invoiceSubmitCmd())
	inv.AddCommand(invoiceConfirmCmd())
	inv.AddCommand(invoiceRejectCmd())
	return inv
}

func invoiceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListInvoices(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printInvoices(items)
				return nil
			})
		},
	}
}

func invoiceSubmitCmd() *cobra.Command {
	var txHash string
	cmd := &cobra.Command{
		Use:   "submit <invoice-id>",
		Short: "Record a payment transaction hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.SubmitPayment(ctx, args[0], txHash, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&txHash, "tx", "", "transaction hash")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

func invoiceConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <invoice-id>",
		Short: "Confirm a submitted payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.ConfirmPayment(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
}

func invoiceRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <invoice-id>",
		Short: "Reject a submitted payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.RejectPayment(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// --- approvals ---

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Request and answer client approvals"}
	ap.AddCommand(approvalRequestCmd())
	ap.AddCommand(approvalRespondCmd())
	ap.AddCommand(approvalListCmd())
	return ap
}

func approvalRequestCmd() *cobra.Command {
	var stageID, kind string
	var maxRounds int
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Open an approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				req := engine.ApprovalRequest{
					ProjectID:    projectID,
					StageID:      stageID,
					ApprovalType: kind,
					RequestedBy:  viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("max-free-rounds") {
					req.MaxFreeRounds = &maxRounds
				}
				a, err := e.RequestApproval(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id the approval covers")
	cmd.Flags().StringVar(&kind, "type", "", "approval type, e.g. stage or deliverable")
	cmd.Flags().IntVar(&maxRounds, "max-free-rounds", 0, "free revision rounds (default from config)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func approvalRespondCmd() *cobra.Command {
	var response, comment string
	cmd := &cobra.Command{
		Use:   "respond <approval-id>",
		Short: "Answer an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RespondApproval(ctx, args[0], response, comment, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && a.Overage() {
					fmt.Fprintf(os.Stderr, "note: revision round %d exceeds the %d free round(s)\n", a.RevisionRound, a.MaxFreeRounds)
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "approved|needs_revision|rejected")
	cmd.Flags().StringVar(&comment, "comment", "", "client comment")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func approvalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListApprovals(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Stage", "Status", "Round", "Free rounds")
				for _, a := range items {
					stage := ""
					if a.StageID != nil {
						stage = *a.StageID
					}
					tw.AppendRow(table.Row{a.ID, a.ApprovalType, stage, a.Status, a.RevisionRound, a.MaxFreeRounds})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- events ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.LatestEvents(ctx, n, projectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/reskin.yml: billing rules, the stage catalogue, approval rounds, legal text, notification channels and logging.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
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
		Short: "Validate reskin.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default reskin.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
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

// --- server ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
					Logger:           e.Log,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("RESKIN_JWT_SECRET is required for bearer auth (or pass --allow-actor-header)")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: e.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				// Shutdown drains in-flight requests; the notifier is closed only after
				// this returns, so no cascade dispatches into a closed Async.
				shutdownDone := make(chan struct{})
				go func() {
					defer close(shutdownDone)
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				e.Log.Info("serving reskin api", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving reskin API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				<-shutdownDone
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (development only)")
	return cmd
}

// --- helpers ---

// withEngine opens the workspace database, loads reskin.yml and wires logging and notifications.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}

	dispatcher, closeNotify, err := notify.FromConfig(cfg.Notify, logger)
	if err != nil {
		closeNotify()
		return fmt.Errorf("notify: %w", err)
	}
	defer closeNotify()

	e := engine.New(conn, cfg)
	e.Log = logger
	e.Notifier = dispatcher
	return fn(ctx, e)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("workspace"), viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func withSpec(ctx context.Context, args []string, fn func(context.Context, engine.Engine, string) error) error {
	override := ""
	if len(args) > 0 {
		override = args[0]
	}
	specID, err := app.ResolveSpecification(viper.GetString("workspace"), override)
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, specID)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printStages(stages []domain.WorkflowStage) {
	tw := newTable("#", "Key", "Name", "Status", "Started", "Completed", "ID")
	for _, s := range stages {
		id := s.ID
		if !s.Persisted {
			id = "(placeholder)"
		}
		tw.AppendRow(table.Row{s.Order, s.StageKey, s.Name, s.Status, deref(s.StartedAt), deref(s.CompletedAt), id})
	}
	tw.Render()
}

func printCascade(res engine.CascadeResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if len(res.Affected) == 0 {
		fmt.Printf("%s: nothing to change\n", res.Target.Name)
		return nil
	}
	fmt.Printf("%s %d stage(s):\n", res.Action, len(res.Affected))
	printStages(res.Affected)
	return nil
}

func printInvoices(items []domain.Invoice) {
	tw := newTable("Number", "Milestone", "Amount", "Currency", "Status", "Due", "ID")
	for _, inv := range items {
		tw.AppendRow(table.Row{inv.Number, inv.MilestoneName, inv.Amount, inv.Currency, inv.Status, inv.DueDate, inv.ID})
	}
	tw.Render()
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
