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
	"gopkg.in/yaml.v3"

	"github.com/google/uuid"

	"github.com/gregdigittal/agreement-automation-sub002/internal/config"
	"github.com/gregdigittal/agreement-automation-sub002/internal/db"
	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
	"github.com/gregdigittal/agreement-automation-sub002/internal/engine"
	"github.com/gregdigittal/agreement-automation-sub002/internal/migrate"
	"github.com/gregdigittal/agreement-automation-sub002/internal/notify"
	"github.com/gregdigittal/agreement-automation-sub002/internal/repo"
	"github.com/gregdigittal/agreement-automation-sub002/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "aa",
	Short: "Agreements workflow CLI",
	Long: `aa runs contract approval workflows with SLA escalation.
- Workspace: the .agreements directory holding the database; agreements.yml holds the role catalog and escalation settings.
- Templates: versioned, immutable stage sequences per contract type; publishing archives the prior version.
- Instances: one active workflow per contract, advancing stage by stage until completed or cancelled.
- Escalations: tiered rules fire when a stage overstays its breach threshold; 'aa scan run' evaluates them.
- Queue: 'aa queue --role legal' lists the stages waiting on a role.
- Event log: diary of changes, view with 'aa log tail'.`,
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
	viper.SetEnvPrefix("AGREEMENTS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var platformID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(platformID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&platformID, "platform-id", "agreements", "platform identifier")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	tpl.AddCommand(templatePublishCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	return tpl
}

func templatePublishCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a template version from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var opts engine.PublishOptions
			if err := yaml.Unmarshal(data, &opts); err != nil {
				return err
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.PublishTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var contractType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List template versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, contractType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Contract Type", "Version", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.ContractType, t.Version, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contractType, "contract-type", "", "contract type filter")
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template version with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tpl)
				}
				fmt.Printf("%s v%d (%s, %s)\n", tpl.Name, tpl.Version, tpl.ContractType, tpl.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "Approver Role", "SLA Hours", "Required"})
				for _, s := range tpl.Stages {
					tw.AppendRow(table.Row{s.Order, s.Name, s.ApproverRole, s.SLAHours, s.Required})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	c.AddCommand(contractAddCmd())
	c.AddCommand(contractListCmd())
	c.AddCommand(contractShowCmd())
	return c
}

func contractAddCmd() *cobra.Command {
	var id, title, contractType, counterparty string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateContract(ctx, engine.ContractCreateOptions{
					ID:           id,
					Title:        title,
					ContractType: contractType,
					Counterparty: counterparty,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contract id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "contract title")
	cmd.Flags().StringVar(&contractType, "type", "", "contract type")
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "counterparty name")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func contractListCmd() *cobra.Command {
	var f repo.ContractFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListContracts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Contract Type", "Status"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.ContractType, c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ContractType, "type", "", "contract type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func contractShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func instanceCmd() *cobra.Command {
	in := &cobra.Command{Use: "instance", Short: "Manage workflow instances"}
	in.AddCommand(instanceStartCmd())
	in.AddCommand(instanceListCmd())
	in.AddCommand(instanceShowCmd())
	in.AddCommand(instanceCompleteCmd())
	in.AddCommand(instanceCancelCmd())
	return in
}

func instanceStartCmd() *cobra.Command {
	var contractID, templateName string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance for a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.StartInstance(ctx, engine.StartOptions{
					ContractID:   contractID,
					TemplateName: templateName,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id")
	cmd.Flags().StringVar(&templateName, "template", "", "template name")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Contract", "Stage", "State", "Started"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.ContractID, in.CurrentStage, in.State, in.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ContractID, "contract", "", "contract id filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				actions, err := e.Repo.ListStageActions(ctx, in.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"instance": in, "actions": actions})
				}
				fmt.Printf("%s contract=%s stage=%s state=%s\n", in.ID, in.ContractID, in.CurrentStage, in.State)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Entered", "Deadline", "Completed", "Actor", "Outcome"})
				for _, a := range actions {
					completed, actor, outcome := "", "", ""
					if a.CompletedAt != nil {
						completed = *a.CompletedAt
					}
					if a.Actor != nil {
						actor = *a.Actor
					}
					if a.Outcome != nil {
						outcome = *a.Outcome
					}
					tw.AppendRow(table.Row{a.StageName, a.EnteredAt, a.SLADeadline, completed, actor, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func instanceCompleteCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "complete <instance-id>",
		Short: "Complete the current stage of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CompleteStage(ctx, args[0], viper.GetString("actor-id"), outcome)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "approved", "stage outcome")
	return cmd
}

func instanceCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CancelInstance(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func ruleCmd() *cobra.Command {
	r := &cobra.Command{Use: "rule", Short: "Manage escalation rules"}
	r.AddCommand(ruleAddCmd())
	r.AddCommand(ruleListCmd())
	return r
}

func ruleAddCmd() *cobra.Command {
	var templateID, stageName, role string
	var hours float64
	var tier int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Attach an escalation rule to a template stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.CreateEscalationRule(ctx, engine.RuleCreateOptions{
					TemplateID:     templateID,
					StageName:      stageName,
					SLABreachHours: hours,
					Tier:           tier,
					EscalateToRole: role,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&stageName, "stage", "", "stage name")
	cmd.Flags().Float64Var(&hours, "hours", 0, "breach threshold in hours")
	cmd.Flags().IntVar(&tier, "tier", 1, "escalation tier")
	cmd.Flags().StringVar(&role, "role", "", "role to escalate to")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("hours")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var templateID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEscalationRules(ctx, templateID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Template", "Stage", "Tier", "Breach Hours", "Escalate To"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.TemplateID, r.StageName, r.Tier, r.SLABreachHours, r.EscalateToRole})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id filter")
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Manage escalation events"}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationResolveCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var f repo.EscalationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEscalations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Contract", "Stage", "Tier", "Escalated", "Resolved"})
				for _, evt := range items {
					resolved := ""
					if evt.ResolvedAt != nil {
						resolved = *evt.ResolvedAt
					}
					tw.AppendRow(table.Row{evt.ID, evt.ContractID, evt.StageName, evt.Tier, evt.EscalatedAt, resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.InstanceID, "instance", "", "instance id filter")
	cmd.Flags().StringVar(&f.ContractID, "contract", "", "contract id filter")
	cmd.Flags().BoolVar(&f.Unresolved, "unresolved", false, "only unresolved events")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func escalationResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <event-id>",
		Short: "Resolve an escalation event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evt, err := e.ResolveEscalation(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	return cmd
}

func scanCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scan", Short: "SLA breach scanning"}
	sc.AddCommand(scanRunCmd())
	return sc
}

func scanRunCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a breach scan once, or periodically with --every",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runOnce := func() error {
					created, err := e.ScanForBreaches(ctx, time.Now().UTC())
					if err != nil {
						return err
					}
					fmt.Printf("scan: %d escalation(s) raised\n", created)
					return nil
				}
				if err := runOnce(); err != nil {
					return err
				}
				if every <= 0 {
					return nil
				}
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if err := runOnce(); err != nil {
							fmt.Println("scan error:", err)
						}
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat interval (for example 10m)")
	return cmd
}

func queueCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending stages for an approver role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingForRole(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Instance", "Contract", "Stage", "Entered", "Deadline"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.InstanceID, p.ContractID, p.StageName, p.EnteredAt, p.SLADeadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "approver role")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Reports"}
	rep.AddCommand(reportStagePerfCmd())
	return rep
}

func reportStagePerfCmd() *cobra.Command {
	var windowDays int
	cmd := &cobra.Command{
		Use:   "stage-perf",
		Short: "Per-stage cycle-time and breach-rate summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.StagePerformance(ctx, windowDays)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Closed", "Avg H", "Min H", "Max H", "Breaches", "Breach Rate"})
				for _, s := range stats {
					tw.AppendRow(table.Row{
						s.StageName, s.ClosedCount,
						fmt.Sprintf("%.1f", s.AvgHours),
						fmt.Sprintf("%.1f", s.MinHours),
						fmt.Sprintf("%.1f", s.MaxHours),
						s.BreachCount,
						fmt.Sprintf("%.0f%%", s.BreachRate*100),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&windowDays, "window-days", 30, "report window in days")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyRevokeCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var actorID, name, roles string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.New().String() + uuid.New().String()[:8]
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					Roles:   roles,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key created for %s (id=%s)\n", actorID, key.ID)
				fmt.Printf("Key (save it now, it is not stored): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles granted to the key")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range items {
						items[i].KeyHash = ""
					}
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Roles, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
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
	var scanEvery time.Duration
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Notify = notify.FromConfig(cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("AGREEMENTS_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				// Local mode: trust X-Actor-Id instead of bearer tokens.
				authCfg.AllowActorHeader = true
				fmt.Println("AGREEMENTS_JWT_SECRET not set; trusting X-Actor-Id (local mode)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			if scanEvery <= 0 && cfg.Escalation.ScanIntervalMinutes > 0 {
				scanEvery = time.Duration(cfg.Escalation.ScanIntervalMinutes) * time.Minute
			}
			if scanEvery > 0 {
				go runScanLoop(cmd.Context(), e, scanEvery)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving agreements API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&scanEvery, "scan-every", 0, "breach scan interval (defaults to config)")
	return cmd
}

func runScanLoop(ctx context.Context, e engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if created, err := e.ScanForBreaches(ctx, time.Now().UTC()); err != nil {
				fmt.Println("scan error:", err)
			} else if created > 0 {
				fmt.Printf("scan: %d escalation(s) raised\n", created)
			}
		}
	}
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Notify = notify.FromConfig(cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
