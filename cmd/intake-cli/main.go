package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/tumor-intake/internal/app"
	"github.com/jwalitptl/tumor-intake/internal/chart"
	"github.com/jwalitptl/tumor-intake/internal/config"
	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/repository"
	"github.com/jwalitptl/tumor-intake/internal/terminal"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

type options struct {
	configPath string
	apiURL     string
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "intake-cli",
		Short:        "Tumor growth intake from the terminal",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "Prediction API base URL, overrides the configuration")

	root.AddCommand(newRunCmd(opts), newAuditCmd(opts))
	return root
}

func (o *options) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.apiURL != "" {
		cfg.PredictionAPI.BaseURL = o.apiURL
	}
	// Prompts own stdout; logs go to stderr at warn unless debugging.
	level := logger.WarnLevel
	if cfg.Log.Level == "debug" {
		level = logger.DebugLevel
	}
	log := logger.NewLogger(&logger.Config{
		Level:      level,
		TimeFormat: time.RFC3339,
		Output:     os.Stderr,
		JSON:       cfg.Log.JSON,
	})
	return cfg, log, nil
}

func newRunCmd(opts *options) *cobra.Command {
	var chartPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive intake session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}

			client, err := app.NewPredictionClient(ctx, cfg.PredictionAPI, log, nil)
			if err != nil {
				return err
			}

			ctrlOpts := []workflow.Option{workflow.WithLogger(log)}
			if cfg.Audit.Enabled {
				trail, err := app.OpenAudit(ctx, cfg, log, nil)
				if err != nil {
					return err
				}
				defer trail.Close()
				ctrlOpts = append(ctrlOpts, workflow.WithObserver(trail.Service))
			}

			ctrl := workflow.NewController(client, chart.NewCanvas(), ctrlOpts...)
			defer ctrl.Close()

			runner := terminal.NewRunner(ctrl, terminal.NewSurveyPrompter(),
				terminal.WithChartPath(chartPath),
				terminal.WithLogger(log),
			)
			err = runner.Run(ctx)
			if errors.Is(err, terminal.ErrAborted) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&chartPath, "chart-out", "growth_chart.html", "file the growth chart page is written to")
	return cmd
}

func newAuditCmd(opts *options) *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the workflow audit trail",
	}

	var (
		doctor string
		filter repository.AuditFilter
		since  time.Duration
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent audit entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New("audit listing needs a configured database")
			}

			trail, err := app.OpenAudit(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer trail.Close()

			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			entries, err := trail.Service.List(ctx, doctor, filter)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().StringVar(&doctor, "doctor", "", "only entries of this doctor code")
	list.Flags().StringVar(&filter.SessionID, "session", "", "only entries of this session")
	list.Flags().StringVar(&filter.Action, "action", "", "only entries of this action, e.g. prediction_failed")
	list.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 24h")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of entries")

	audit.AddCommand(list)
	return audit
}

func printEntries(w io.Writer, entries []*model.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tACTION\tOUTCOME\tMODEL\tPATIENT\tDETAIL")
	for _, e := range entries {
		patient := "-"
		if e.PatientID.Valid {
			patient = strconv.FormatInt(e.PatientID.Int64, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), e.SessionID, e.Action, e.Outcome,
			orDash(e.ModelType), patient, orDash(e.Detail))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
