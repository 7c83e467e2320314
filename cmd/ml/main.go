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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
	"missionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline brokers missions between agents and operators.
- Deals: an agent publishes a deal with a reward, requirements and a slot quota.
- Applications: operators apply; the agent shortlists, selects or rejects.
- Missions: a selected application becomes a mission; the operator submits work
  which is verified mechanically against the deal's requirements.
- Payouts: fee-first deals settle in two phases (fee, then payout to the
  operator's unlocked address); overdue payouts count against the agent's trust.
- Workspace: everything lives in the .missionline directory (SQLite + config).`,
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
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "local-user", "acting principal id")
	rootCmd.PersistentFlags().Bool("verbose", false, "log to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func dealCmd() *cobra.Command {
	deal := &cobra.Command{
		Use:   "deal",
		Short: "Manage deals",
		Long:  "Deals carry a reward, mechanical submission requirements and a slot quota. They flow draft -> active -> completed/cancelled/expired.",
	}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealActivateCmd())
	deal.AddCommand(dealCancelCmd())
	return deal
}

func dealCreateCmd() *cobra.Command {
	var opts engine.DealCreateOptions
	var paymentModel, visibility string
	var hashtags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AgentID = viper.GetString("as")
			opts.PaymentModel = domain.PaymentModel(paymentModel)
			opts.Visibility = domain.DealVisibility(visibility)
			opts.Requirements.Hashtags = hashtags
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.CreateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "deal id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.RewardCents, "reward-cents", 0, "reward in cents")
	cmd.Flags().IntVar(&opts.FeePercent, "fee-percent", 0, "fee percent (config default when 0)")
	cmd.Flags().StringVar(&paymentModel, "payment-model", "fee_first", "immediate or fee_first")
	cmd.Flags().IntVar(&opts.SlotsTotal, "slots", 1, "slot quota")
	cmd.Flags().StringVar(&visibility, "visibility", "visible", "visible or hidden")
	cmd.Flags().StringVar(&opts.Requirements.DisclosureTag, "disclosure-tag", "", "required disclosure marker")
	cmd.Flags().StringVar(&opts.Requirements.RequiredLink, "required-link", "", "link submissions must contain")
	cmd.Flags().StringSliceVar(&hashtags, "hashtag", nil, "required hashtag (repeatable)")
	cmd.Flags().StringVar(&opts.ExpiresAt, "expires-at", "", "RFC3339 expiry")
	cmd.Flags().BoolVar(&opts.Activate, "activate", false, "activate immediately")
	return cmd
}

func dealListCmd() *cobra.Command {
	var status, agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListDeals(ctx, repo.DealFilters{Status: status, AgentID: agentID, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Slots", "Reward", "Model"})
				for _, d := range items {
					tw.AppendRow(table.Row{
						d.ID, d.Title, d.Status,
						fmt.Sprintf("%d/%d", d.SlotsSelected, d.SlotsTotal),
						fmt.Sprintf("%d.%02d", d.RewardCents/100, d.RewardCents%100),
						d.PaymentModel,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dealShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deal-id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dealActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <deal-id>",
		Short: "Open a draft deal for applications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.ActivateDeal(ctx, viper.GetString("as"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dealCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <deal-id>",
		Short: "Cancel a deal and expire its missions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.CancelDeal(ctx, viper.GetString("as"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func applicationCmd() *cobra.Command {
	appCmd := &cobra.Command{
		Use:     "application",
		Aliases: []string{"app"},
		Short:   "Manage applications",
		Long:    "Operators apply to active deals. Agents shortlist, select (consuming a slot) or reject; operators may withdraw.",
	}
	appCmd.AddCommand(applyCmd())
	appCmd.AddCommand(applicationListCmd())
	appCmd.AddCommand(applicationDecideCmd("shortlist", "Shortlist an application"))
	appCmd.AddCommand(applicationSelectCmd())
	appCmd.AddCommand(applicationDecideCmd("reject", "Reject an application"))
	appCmd.AddCommand(applicationWithdrawCmd())
	return appCmd
}

func applyCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "apply <deal-id>",
		Short: "Apply to a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.ApplyToDeal(ctx, args[0], viper.GetString("as"), message)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "application message")
	return cmd
}

func applicationListCmd() *cobra.Command {
	var dealID, operatorID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListApplications(ctx, repo.ApplicationFilters{
					DealID: dealID, OperatorID: operatorID, Status: status, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Deal", "Operator", "Status", "Applied"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.DealID, it.OperatorID, it.Status, it.AppliedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dealID, "deal", "", "deal filter")
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func applicationDecideCmd(verb, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <application-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					res domain.Application
					err error
				)
				switch verb {
				case "shortlist":
					res, err = a.Engine.ShortlistApplication(ctx, viper.GetString("as"), args[0])
				case "reject":
					res, err = a.Engine.RejectApplication(ctx, viper.GetString("as"), args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func applicationSelectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select <application-id>",
		Short: "Select an application, consuming a deal slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.SelectApplication(ctx, viper.GetString("as"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func applicationWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <application-id>",
		Short: "Withdraw an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.WithdrawApplication(ctx, viper.GetString("as"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions flow accepted -> submitted -> verified -> approved -> address_unlocked -> paid_complete, or straight to paid on immediate deals. Cancellation releases the deal slot.",
	}
	mission.AddCommand(missionListCmd())
	mission.AddCommand(missionShowCmd())
	mission.AddCommand(missionSubmitCmd())
	mission.AddCommand(missionCancelCmd())
	mission.AddCommand(missionApproveCmd())
	mission.AddCommand(missionUnlockCmd())
	mission.AddCommand(missionConfirmCmd())
	return mission
}

func missionListCmd() *cobra.Command {
	var dealID, operatorID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListMissions(ctx, repo.MissionFilters{
					DealID: dealID, OperatorID: operatorID, Status: status, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Deal", "Operator", "Status", "Deadline"})
				for _, m := range items {
					deadline := ""
					if m.PayoutDeadlineAt != nil {
						deadline = *m.PayoutDeadlineAt
					}
					tw.AppendRow(table.Row{m.ID, m.DealID, m.OperatorID, m.Status, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dealID, "deal", "", "deal filter")
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission with its payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				payments, err := a.Engine.ListPayments(ctx, m.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"mission": m, "payments": payments})
			})
		},
	}
	return cmd
}

func missionSubmitCmd() *cobra.Command {
	var url, content string
	cmd := &cobra.Command{
		Use:   "submit <mission-id>",
		Short: "Submit work for verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.SubmitMission(ctx, viper.GetString("as"), args[0], url, content)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "submission URL")
	cmd.Flags().StringVar(&content, "content", "", "submission content used for requirement checks")
	return cmd
}

func missionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Cancel a mission, releasing its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.CancelMission(ctx, viper.GetString("as"), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason code")
	return cmd
}

func missionApproveCmd() *cobra.Command {
	var deadlineHours int
	cmd := &cobra.Command{
		Use:   "approve <mission-id>",
		Short: "Approve a verified mission, opening the fee payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.ApprovePayout(ctx, viper.GetString("as"), args[0], deadlineHours)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&deadlineHours, "deadline-hours", 0, "payout deadline in hours (config default when 0)")
	return cmd
}

func missionUnlockCmd() *cobra.Command {
	var txHash, chain, token string
	cmd := &cobra.Command{
		Use:   "unlock <mission-id>",
		Short: "Confirm the fee payment and unlock the payout address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if txHash == "" || chain == "" || token == "" {
				return fmt.Errorf("--tx-hash, --chain and --token required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.UnlockAddress(ctx, viper.GetString("as"), args[0], txHash, chain, token)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&txHash, "tx-hash", "", "fee transaction hash")
	cmd.Flags().StringVar(&chain, "chain", "", "chain")
	cmd.Flags().StringVar(&token, "token", "", "token")
	return cmd
}

func missionConfirmCmd() *cobra.Command {
	var txHash, chain, token string
	cmd := &cobra.Command{
		Use:   "confirm <mission-id>",
		Short: "Confirm the payout, closing the mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if txHash == "" || chain == "" || token == "" {
				return fmt.Errorf("--tx-hash, --chain and --token required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.ConfirmPayout(ctx, viper.GetString("as"), args[0], txHash, chain, token)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&txHash, "tx-hash", "", "payout transaction hash")
	cmd.Flags().StringVar(&chain, "chain", "", "chain")
	cmd.Flags().StringVar(&token, "token", "", "token")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Agent profiles"}
	agent.AddCommand(&cobra.Command{
		Use:   "show <agent-id>",
		Short: "Agent profile with derived trust level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				profile, err := a.Engine.GetAgentProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(profile)
			})
		},
	})
	agent.AddCommand(&cobra.Command{
		Use:   "reinstate <agent-id>",
		Short: "Lift an agent suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.LiftSuspension(ctx, args[0])
			})
		},
	})
	return agent
}

func operatorCmd() *cobra.Command {
	operator := &cobra.Command{Use: "operator", Short: "Operator profiles"}
	operator.AddCommand(&cobra.Command{
		Use:   "show <operator-id>",
		Short: "Show an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.GetOperator(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	})
	operator.AddCommand(operatorAddressesCmd())
	return operator
}

func operatorAddressesCmd() *cobra.Command {
	var evm, solana string
	cmd := &cobra.Command{
		Use:   "addresses",
		Short: "Record payout addresses for the acting operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.SetOperatorAddresses(ctx, viper.GetString("as"), optionalString(evm), optionalString(solana))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&evm, "evm", "", "EVM address")
	cmd.Flags().StringVar(&solana, "solana", "", "Solana address")
	return cmd
}

func inboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Stored notifications for the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Inbox(ctx, viper.GetString("as"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, n := range items {
					fmt.Printf("[%s] %s: %s\n", n.CreatedAt, n.Title, n.Body)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Suspend agents with overdue payouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SweepOverdue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	var after int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.EventsAfter(ctx, n, after)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().Int64Var(&after, "after", 0, "cursor")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyIssueCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func apikeyIssueCmd() *cobra.Command {
	var role, name string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key for the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != "agent" && role != "operator" {
				return fmt.Errorf("--role must be agent or operator")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw, id, err := issueAPIKey(ctx, a, viper.GetString("as"), role, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent or operator")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, viper.GetString("as"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := config.Default().Save(workspace); err != nil {
				return err
			}
			fmt.Println("wrote", config.Path(workspace))
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(app.Options{
				Workspace: viper.GetString("workspace"),
				Verbose:   viper.GetBool("verbose"),
				Webhooks:  true,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			secret := os.Getenv("MISSIONLINE_JWT_SECRET")
			if secret == "" {
				secret = a.Config.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Limiter:  a.Limiter,
				Nonces:   a.Nonces,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			if sweepEvery > 0 {
				go func() {
					ticker := time.NewTicker(sweepEvery)
					defer ticker.Stop()
					for {
						select {
						case <-cmd.Context().Done():
							return
						case <-ticker.C:
							if _, err := a.Engine.SweepOverdue(cmd.Context()); err != nil {
								a.Log.Error(cmd.Context(), "overdue sweep failed", "error", err)
							}
						}
					}
				}()
			}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated dev token endpoint")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Hour, "period for the overdue payout sweep (0 disables)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		Verbose:   viper.GetBool("verbose"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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

func issueAPIKey(ctx context.Context, a *app.App, principalID, role, name string) (raw, id string, err error) {
	raw = uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:          uuid.New().String(),
		PrincipalID: principalID,
		Role:        role,
		Name:        name,
		KeyHash:     repo.HashAPIKey(raw),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", "", err
	}
	return raw, key.ID, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
