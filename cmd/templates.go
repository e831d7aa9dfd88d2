package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/config"
	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/monitoring"
	"github.com/sells-group/spec-extractor/internal/registry"
	"github.com/sells-group/spec-extractor/internal/store"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage extraction templates",
	Long:  "Commands for listing, inspecting, seeding, importing, versioning and monitoring extraction templates.",
}

// -- templates list --

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("templates"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		all, _ := cmd.Flags().GetBool("all")
		ts, err := st.ListTemplates(ctx, all)
		if err != nil {
			return eris.Wrap(err, "templates list")
		}
		if len(ts) == 0 {
			fmt.Fprintln(os.Stderr, "No templates found. Run `spec-extractor templates seed` to load the defaults.")
			return nil
		}
		formatTemplateList(os.Stdout, ts)
		return nil
	},
}

// -- templates show --

var templatesShowCmd = &cobra.Command{
	Use:   "show <template-id>",
	Short: "Show a template as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("templates"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		t, err := st.GetTemplate(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

// -- templates seed / import --

var templatesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the built-in valve templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ts, err := registry.DefaultTemplates()
		if err != nil {
			return err
		}
		return seedTemplates(cmd, ts)
	},
}

var templatesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import templates from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := registry.LoadTemplatesFromFile(args[0])
		if err != nil {
			return err
		}
		return seedTemplates(cmd, ts)
	},
}

func seedTemplates(cmd *cobra.Command, ts []model.Template) error {
	ctx := cmd.Context()
	if err := cfg.Validate("templates"); err != nil {
		return err
	}
	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	res, err := registry.Seed(ctx, st, ts)
	fmt.Fprintf(os.Stdout, "Created %d, skipped %d (already present)\n", len(res.Created), len(res.Skipped))
	return err
}

// -- templates version --

var templatesVersionCmd = &cobra.Command{
	Use:   "version <file>",
	Short: "Publish templates from a file as the next version of their component type",
	Long: "Each template in the JSON or YAML file becomes version N+1 of its component type " +
		"with ID <slug>_v<N+1>. Earlier versions are deactivated in the same transaction.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ts, err := registry.LoadTemplatesFromFile(args[0])
		if err != nil {
			return err
		}
		if err := cfg.Validate("templates"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		created, err := publishVersions(ctx, st, ts)
		for _, t := range created {
			fmt.Fprintf(os.Stdout, "%s: version %d of %s\n", t.TemplateID, t.Version, t.ComponentType)
		}
		return err
	},
}

// publishVersions stores each template as a new version, stopping at the
// first failure.
func publishVersions(ctx context.Context, st store.TemplateStore, ts []model.Template) ([]*model.Template, error) {
	created := make([]*model.Template, 0, len(ts))
	for _, t := range ts {
		v, err := st.CreateVersion(ctx, t)
		if err != nil {
			return created, eris.Wrapf(err, "templates version: %s", t.ComponentType)
		}
		zap.L().Info("templates: version published",
			zap.String("template_id", v.TemplateID),
			zap.String("component_type", v.ComponentType),
			zap.Int("version", v.Version),
		)
		created = append(created, v)
	}
	return created, nil
}

// -- templates activate / deactivate --

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <template-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := cfg.Validate("templates"); err != nil {
				return err
			}
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if err := st.SetActive(ctx, args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s: active=%t\n", args[0], active)
			return nil
		},
	}
}

// -- templates stats --

var templatesStatsCmd = &cobra.Command{
	Use:   "stats [template-id]",
	Short: "Show usage statistics, or recent usage events for one template",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("templates"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 1 {
			limit, _ := cmd.Flags().GetInt("limit")
			events, err := st.ListUsage(ctx, args[0], limit)
			if err != nil {
				return eris.Wrap(err, "templates stats")
			}
			formatUsageEvents(os.Stdout, events)
			return nil
		}

		stats, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "templates stats")
		}
		formatTemplateStats(os.Stdout, stats)
		return nil
	},
}

// -- templates health --

var templatesHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report templates whose success rate is below the configured threshold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("templates"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		alerts, err := healthChecker(cfg.Monitoring, st).Check(ctx)
		if err != nil {
			return err
		}
		formatAlerts(os.Stdout, alerts)
		return nil
	},
}

func healthChecker(mc config.MonitoringConfig, st monitoring.StatsSource) *monitoring.Checker {
	return monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(mc), mc)
}

func init() {
	templatesListCmd.Flags().Bool("all", false, "include inactive templates")
	templatesStatsCmd.Flags().Int("limit", 20, "usage events to show for one template")

	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
	templatesCmd.AddCommand(templatesSeedCmd)
	templatesCmd.AddCommand(templatesImportCmd)
	templatesCmd.AddCommand(templatesVersionCmd)
	templatesCmd.AddCommand(setActiveCmd("activate", "Make a template eligible for matching", true))
	templatesCmd.AddCommand(setActiveCmd("deactivate", "Exclude a template from matching", false))
	templatesCmd.AddCommand(templatesStatsCmd)
	templatesCmd.AddCommand(templatesHealthCmd)
	rootCmd.AddCommand(templatesCmd)
}

func formatRate(r *float64) string {
	if r == nil {
		return "-"
	}
	return strconv.FormatFloat(*r*100, 'f', 1, 64) + "%"
}

// formatTemplateList writes a tabular list of templates to out.
func formatTemplateList(out io.Writer, ts []model.Template) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPONENT_TYPE\tCATEGORY\tVERSION\tFIELDS\tCREATED_BY\tACTIVE\tUSES\tSUCCESS")
	_, _ = fmt.Fprintln(w, "--\t--------------\t--------\t-------\t------\t----------\t------\t----\t-------")
	for _, t := range ts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%t\t%d\t%s\n",
			t.TemplateID,
			t.ComponentType,
			t.Category,
			t.Version,
			len(t.SpecFields),
			t.CreatedBy,
			t.IsActive,
			t.UsageCount,
			formatRate(t.SuccessRate),
		)
	}
	_ = w.Flush()
}

// formatTemplateStats writes per-template usage statistics to out.
func formatTemplateStats(out io.Writer, stats []model.TemplateStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPONENT_TYPE\tACTIVE\tUSES\tSUCCESS\tAVG_MS\tLAST_USED")
	_, _ = fmt.Fprintln(w, "--\t--------------\t------\t----\t-------\t------\t---------")
	for _, s := range stats {
		last := "never"
		if s.LastUsedAt != nil {
			last = s.LastUsedAt.UTC().Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%.0f\t%s\n",
			s.TemplateID,
			s.ComponentType,
			s.IsActive,
			s.UsageCount,
			formatRate(s.SuccessRate),
			s.AvgElapsedMs,
			last,
		)
	}
	_ = w.Flush()
}

// formatUsageEvents writes recent usage events to out.
func formatUsageEvents(out io.Writer, events []model.UsageEvent) {
	if len(events) == 0 {
		_, _ = fmt.Fprintln(out, "No usage recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tSUCCESS\tFIELDS\tMISSING\tMS\tSOURCE")
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%s\n",
			e.CreatedAt.UTC().Format("2006-01-02 15:04"),
			e.Success,
			e.FieldsExtracted,
			len(e.MissingRequiredFields),
			e.ElapsedMs,
			e.SourceURL,
		)
	}
	_ = w.Flush()
}

// formatAlerts writes health alerts to out.
func formatAlerts(out io.Writer, alerts []monitoring.Alert) {
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "All templates healthy.")
		return
	}
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "[%s] %s\n", a.Severity, a.Message)
	}
}
