// Command healthatm runs the lung CT analysis pipeline: one-shot scan
// analysis, queued case processing against the case store, and standalone
// findings validation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kowshik4593/health-atm/internal/logging"
	"github.com/Kowshik4593/health-atm/internal/store"
	"github.com/Kowshik4593/health-atm/pkg/config"
	"github.com/Kowshik4593/health-atm/pkg/pipeline"
	"github.com/Kowshik4593/health-atm/pkg/validate"
)

var (
	cfgPath string
	verbose bool

	cfg *config.Config
	log *zap.Logger
)

func main() {
	root := &cobra.Command{
		Use:           "healthatm",
		Short:         "Lung CT nodule detection and risk analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			log, err = logging.New(verbose)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "healthatm.yaml", "configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		analyzeCmd(),
		registerCmd(),
		processCmd(),
		statusCmd(),
		validateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// analyzeCmd runs the full pipeline on one scan without touching the case
// store, for ad-hoc analysis of a local volume or slice series.
func analyzeCmd() *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "analyze <scan-path>",
		Short: "Analyze a single scan and write findings to the output directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzer, err := pipeline.NewAnalyzer(cfg, log)
			if err != nil {
				return err
			}
			f, err := analyzer.Analyze(cmd.Context(), caseID, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("case %s: %d nodule(s) detected in %.1fs\n",
				f.CaseID, f.NumNodules, f.ProcessingTimeSeconds)
			fmt.Println(f.Impression)
			return nil
		},
	}
	cmd.Flags().StringVar(&caseID, "case-id", "adhoc", "case identifier for the output artifact")
	return cmd
}

// registerCmd records a case and its scan location in pending state.
func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <case-id> <scan-path>",
		Short: "Register a case for queued processing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.OpenSQL(cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RegisterCase(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("case %s registered (pending)\n", args[0])
			return nil
		},
	}
}

// processCmd triggers queued processing for one case or all pending cases.
func processCmd() *cobra.Command {
	var (
		wait      bool
		retrigger bool
		pending   bool
	)
	cmd := &cobra.Command{
		Use:   "process [case-id]",
		Short: "Trigger pipeline processing for a registered case",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !pending && len(args) == 0 {
				return fmt.Errorf("provide a case ID or --pending")
			}

			st, err := store.OpenSQL(cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			analyzer, err := pipeline.NewAnalyzer(cfg, log)
			if err != nil {
				return err
			}
			orch := pipeline.NewOrchestrator(st, analyzer, pipeline.Options{}, log)
			defer orch.Close()

			ctx := cmd.Context()
			var runIDs []string
			if pending {
				runIDs, err = orch.ProcessPending(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d run(s) triggered\n", len(runIDs))
			} else {
				var runID string
				if retrigger {
					runID, err = orch.Retrigger(ctx, args[0])
				} else {
					runID, err = orch.Trigger(ctx, args[0])
				}
				if err != nil {
					return err
				}
				runIDs = []string{runID}
				fmt.Printf("run %s triggered for case %s\n", runID, args[0])
			}

			if !wait {
				// The orchestrator drains queued runs on Close, so the
				// triggered work still finishes before the command exits.
				return nil
			}
			for _, runID := range runIDs {
				out, err := orch.Wait(ctx, runID)
				if err != nil {
					return err
				}
				printOutcome(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the run reaches a terminal state")
	cmd.Flags().BoolVar(&retrigger, "retrigger", false, "restart a completed or failed case")
	cmd.Flags().BoolVar(&pending, "pending", false, "process every pending case")
	return cmd
}

func printOutcome(out pipeline.Outcome) {
	if out.Err != nil {
		fmt.Printf("case %s: %s at stage %s: %v\n", out.CaseID, out.State, out.Stage, out.Err)
		return
	}
	fmt.Printf("case %s: %s, %d nodule(s)\n", out.CaseID, out.State, out.Findings.NumNodules)
	for _, w := range out.Warnings {
		fmt.Println("  warning:", w)
	}
}

// statusCmd reports the current processing state of a case.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show the processing state of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.OpenSQL(cfg.Store.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("case %s: %s", rec.CaseID, rec.State)
			if rec.Stage != "" {
				fmt.Printf(" (stage %s)", rec.Stage)
			}
			fmt.Println()
			if rec.Error != "" {
				fmt.Println("  error:", rec.Error)
			}
			return nil
		},
	}
}

// validateCmd checks a findings JSON artifact without running the pipeline.
func validateCmd() *cobra.Command {
	var skipAssets bool
	cmd := &cobra.Command{
		Use:   "validate <findings.json>",
		Short: "Validate a findings artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pipeline.ReadFindingsFile(args[0])
			if err != nil {
				return err
			}
			v := &validate.Validator{SkipAssetCheck: skipAssets}
			res := v.Validate(f)
			for _, w := range res.Warnings {
				fmt.Println(w)
			}
			fmt.Printf("status: %s (%d warning(s))\n", res.Summary.Status, res.Summary.TotalWarnings)
			if !res.Valid {
				return fmt.Errorf("artifact failed structural validation")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipAssets, "skip-assets", false, "skip on-disk checks of explainability assets")
	return cmd
}
