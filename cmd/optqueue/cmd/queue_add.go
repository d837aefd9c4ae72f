package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/optqueue/queue"
)

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Validate a run configuration and append it to the queue",
	Long: `Build a queue item from flags or a form file, validate it against the
strategy's parameter definitions and append it to the queue.

Parameter ranges:
  --param fast=5:20:1      numeric range from:to:step (step defaults to 1)
  --param ma=sma|ema       select or bool options

A --form file holds the same fields as the dashboard form in YAML. Flags
given on the command line override the file.

Examples:
  optqueue queue add --strategy ema_cross --csv /data/eurusd.csv \
      --start 2023-01-01 --end 2023-12-31 --param fast=5:20:1 --param slow=20:80:5
  optqueue queue add --form runs/wfa-eurusd.yaml --mode wfa --wf-is 120`,
	Args: cobra.NoArgs,
	RunE: runQueueAdd,
}

var (
	addFormFile   string
	addStrategy   string
	addSources    []string
	addStart      string
	addEnd        string
	addMode       string
	addParams     []string
	addLabel      string
	addWarmup     int
	addTrials     int
	addMinutes    int
	addSampler    string
	addObjectives []string
	addPrimary    string
	addDBTarget   string
	addWFIS       int
	addWFOOS      int
	addWFAdaptive bool
)

func init() {
	queueCmd.AddCommand(queueAddCmd)

	f := queueAddCmd.Flags()
	f.StringVar(&addFormFile, "form", "", "YAML form file describing the run")
	f.StringVar(&addStrategy, "strategy", "", "strategy id")
	f.StringArrayVar(&addSources, "csv", nil, "absolute path to a dataset (repeatable)")
	f.StringVar(&addStart, "start", "", "first day of data (YYYY-MM-DD)")
	f.StringVar(&addEnd, "end", "", "last day of data (YYYY-MM-DD)")
	f.StringVar(&addMode, "mode", "", "optuna|wfa (default optuna)")
	f.StringArrayVar(&addParams, "param", nil, "parameter range, name=from:to:step or name=a|b (repeatable)")
	f.StringVar(&addLabel, "label", "", "custom label (default is generated)")
	f.IntVar(&addWarmup, "warmup", 0, "warmup bars (default from config)")
	f.IntVar(&addTrials, "trials", 0, "stop after this many trials")
	f.IntVar(&addMinutes, "minutes", 0, "stop after this many minutes")
	f.StringVar(&addSampler, "sampler", "", "optimizer sampler (tpe, random, nsga2, ...)")
	f.StringArrayVar(&addObjectives, "objective", nil, "objective metric (repeatable)")
	f.StringVar(&addPrimary, "primary", "", "primary objective")
	f.StringVar(&addDBTarget, "db-target", "", "backend study database name")
	f.IntVar(&addWFIS, "wf-is", 0, "walk-forward in-sample days")
	f.IntVar(&addWFOOS, "wf-oos", 0, "walk-forward out-of-sample days")
	f.BoolVar(&addWFAdaptive, "wf-adaptive", false, "adaptive out-of-sample windows")
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	form, err := buildForm(cmd)
	if err != nil {
		return err
	}
	if form.StrategyID == "" {
		return errors.New("--strategy is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	strategy, err := a.client.GetStrategyConfig(ctx, form.StrategyID)
	if err != nil {
		return fmt.Errorf("load strategy %s: %w", form.StrategyID, err)
	}
	st, err := a.manager.State(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	item, err := a.builder.Build(form, strategy, st.NextIndex)
	if err != nil {
		return formatValidation(err)
	}
	stored, err := a.manager.AddItem(ctx, item)
	if err != nil {
		return fmt.Errorf("add item: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Queued %s\n", stored.Label)
	fmt.Fprintf(out, "  id: %s\n", stored.ID)
	return nil
}

// buildForm starts from --form (if any) and applies every flag the user set.
func buildForm(cmd *cobra.Command) (queue.Form, error) {
	var form queue.Form
	if addFormFile != "" {
		f, err := loadForm(addFormFile)
		if err != nil {
			return queue.Form{}, err
		}
		form = f
	}
	flags := cmd.Flags()
	set := func(name string) bool { return flags.Changed(name) }

	if set("strategy") {
		form.StrategyID = addStrategy
	}
	if set("csv") {
		form.Sources = addSources
	}
	if set("start") {
		form.Start = addStart
	}
	if set("end") {
		form.End = addEnd
	}
	if set("mode") {
		form.Mode = queue.Mode(strings.ToLower(addMode))
	}
	if set("label") {
		form.Label = addLabel
	}
	if set("warmup") {
		form.WarmupBars = addWarmup
	}
	if form.WarmupBars == 0 {
		form.WarmupBars = cfg.Queue.WarmupBars
	}
	if set("db-target") {
		form.DBTarget = addDBTarget
	}
	if form.DBTarget == "" {
		form.DBTarget = cfg.Queue.DBTarget
	}
	if set("sampler") {
		form.Sampler = addSampler
	}
	if set("objective") {
		form.Objectives = addObjectives
	}
	if set("primary") {
		form.PrimaryObjective = addPrimary
	}
	if set("trials") {
		form.Budget = queue.Budget{Mode: queue.BudgetTrials, Trials: addTrials}
	}
	if set("minutes") {
		form.Budget = queue.Budget{Mode: queue.BudgetTime, Minutes: addMinutes}
	}

	if set("param") {
		if form.Params == nil {
			form.Params = make(map[string]queue.ParamRange)
		}
		for _, spec := range addParams {
			name, r, err := parseParam(spec)
			if err != nil {
				return queue.Form{}, err
			}
			form.Params[name] = r
		}
	}

	if set("wf-is") || set("wf-oos") || set("wf-adaptive") {
		w := queue.DefaultWFA()
		if form.WFA != nil {
			w = *form.WFA
		}
		if set("wf-is") {
			w.ISPeriodDays = addWFIS
		}
		if set("wf-oos") {
			w.OOSPeriodDays = addWFOOS
		}
		if set("wf-adaptive") {
			w.Adaptive = addWFAdaptive
		}
		form.WFA = &w
	}
	return form, nil
}

// formatValidation lists validation details one per line.
func formatValidation(err error) error {
	var verr *queue.ValidationError
	if !errors.As(err, &verr) || len(verr.Details) == 0 {
		return err
	}
	var b strings.Builder
	b.WriteString(verr.Message)
	for _, d := range verr.Details {
		b.WriteString("\n  - ")
		b.WriteString(d)
	}
	return errors.New(b.String())
}
