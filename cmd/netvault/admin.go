package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ingenieroredes/netvault/internal/client"
	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/orchestrator"
)

func newClient() *client.Client {
	return client.NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), serverURL)
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func colorSeverity(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return color.RedString(string(s))
	case model.SeverityWarning:
		return color.YellowString(string(s))
	}
	return string(s)
}

func colorVerdict(v model.Verdict) string {
	switch v {
	case model.VerdictFail:
		return color.RedString(string(v))
	case model.VerdictPass:
		return color.GreenString(string(v))
	}
	return string(v)
}

func colorStatus(s string) string {
	switch s {
	case string(model.TargetDegraded), string(model.RunCompletedWithErrors):
		return color.RedString(s)
	case string(model.TargetOK), string(model.RunCompleted):
		return color.GreenString(s)
	}
	return s
}

func printRun(run model.AuditRun) error {
	if jsonOutput {
		return printJSON(run)
	}
	fmt.Printf("Run %s (%s, %s)\n", run.ID, run.Trigger, run.Scope)
	fmt.Printf("Status: %s  pass=%d fail=%d error=%d cancelled=%d\n",
		colorStatus(string(run.Status)), run.Counts.Pass, run.Counts.Fail, run.Counts.Error, run.Counts.Cancelled)
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}
	outcomes := run.Targets
	if run.Network != nil {
		outcomes = append(outcomes[:len(outcomes):len(outcomes)], *run.Network)
	}
	if len(outcomes) == 0 {
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "TARGET\tOUTCOME\tATTEMPTS\tFINDINGS\tALERTING\tERROR")
	for _, t := range outcomes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", t.TargetID, t.Outcome, t.Attempts, t.Findings, t.AlertingFails, t.Error)
	}
	return w.Flush()
}

var triggerOpts struct {
	target string
	wait   bool
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a manual audit run",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.TriggerRequest{Scope: model.ScopeAll, Wait: triggerOpts.wait}
		if triggerOpts.target != "" {
			req.Scope = model.ScopeTarget
			req.TargetID = triggerOpts.target
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		run, err := newClient().TriggerRun(ctx, req)
		if err != nil {
			return err
		}
		return printRun(run)
	},
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent audit runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		runs, err := newClient().ListRuns(ctx, runsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(runs)
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tTRIGGER\tSCOPE\tSTATUS\tPASS\tFAIL\tERROR\tCANCELLED\tSTARTED")
		for _, r := range runs {
			scope := string(r.Scope)
			if r.TargetID != "" {
				scope += ":" + r.TargetID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				r.ID, r.Trigger, scope, colorStatus(string(r.Status)),
				r.Counts.Pass, r.Counts.Fail, r.Counts.Error, r.Counts.Cancelled, ago(r.StartedAt))
		}
		return w.Flush()
	},
}

var runsGetCmd = &cobra.Command{
	Use:   "get RUN_ID",
	Short: "Show one audit run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		run, err := newClient().GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		return printRun(run)
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel an active audit run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		run, err := newClient().CancelRun(ctx, args[0])
		if err != nil {
			return err
		}
		return printRun(run)
	},
}

var findingsOpts struct {
	target      string
	rule        string
	run         string
	severity    string
	minSeverity string
	verdict     string
	since       string
	alerting    bool
	limit       int
}

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Query findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for key, v := range map[string]string{
			"target_id":    findingsOpts.target,
			"rule_id":      findingsOpts.rule,
			"run_id":       findingsOpts.run,
			"severity":     findingsOpts.severity,
			"min_severity": findingsOpts.minSeverity,
			"verdict":      findingsOpts.verdict,
			"since":        findingsOpts.since,
		} {
			if v != "" {
				q.Set(key, v)
			}
		}
		if cmd.Flags().Changed("alerting") {
			q.Set("alerting", strconv.FormatBool(findingsOpts.alerting))
		}
		if findingsOpts.limit > 0 {
			q.Set("limit", strconv.Itoa(findingsOpts.limit))
		}

		ctx, cancel := withTimeout(cmd)
		defer cancel()
		findings, err := newClient().ListFindings(ctx, q)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(findings)
		}
		w := newTable()
		fmt.Fprintln(w, "TIME\tTARGET\tRULE\tVERDICT\tSEVERITY\tALERT\tREASON")
		for _, f := range findings {
			alert := ""
			if f.Alerting {
				alert = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				ago(f.CreatedAt), f.TargetID, f.RuleID, colorVerdict(f.Verdict), colorSeverity(f.Severity), alert, f.Reason)
		}
		return w.Flush()
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List targets and their collection health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		targets, err := newClient().ListTargets(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(targets)
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tKIND\tPROTOCOL\tADDRESS\tENABLED\tSTATUS\tFAILURES\tLAST COLLECTED\tLAST ERROR")
		for _, t := range targets {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%d\t%s\t%s\n",
				t.ID, t.Kind, t.Protocol, t.Address, t.Enabled, colorStatus(string(t.State.Status)),
				t.State.ConsecutiveFailures, ago(t.State.LastCollectedAt), t.State.LastError)
		}
		return w.Flush()
	},
}

func setEnabledCmd(enabled bool) *cobra.Command {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	return &cobra.Command{
		Use:   verb + " TARGET_ID",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			t, err := newClient().SetTargetEnabled(ctx, args[0], enabled)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(t)
			}
			fmt.Printf("Target %s enabled=%t\n", t.ID, t.Enabled)
			return nil
		},
	}
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show scheduler and agent health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		h, err := newClient().Health(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(h)
		}
		fmt.Printf("Status:              %s\n", colorStatus(h.Status))
		fmt.Printf("Last successful tick: %s\n", ago(h.LastSuccessfulTick))
		fmt.Printf("Targets:             %d (%d degraded)\n", h.Targets, len(h.DegradedTargets))
		for _, id := range h.DegradedTargets {
			fmt.Printf("  - %s\n", id)
		}
		fmt.Printf("Active runs:         %d\n", h.ActiveRuns)
		fmt.Printf("Agents:              active=%d registered=%d stale=%d revoked=%d\n",
			h.Agents[model.AgentActive], h.Agents[model.AgentRegistered], h.Agents[model.AgentStale], h.Agents[model.AgentRevoked])
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerOpts.target, "target", "", "Run a single target instead of all")
	triggerCmd.Flags().BoolVar(&triggerOpts.wait, "wait", false, "Wait for the run to finish")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to list")
	runsCmd.AddCommand(runsGetCmd, runsCancelCmd)

	f := findingsCmd.Flags()
	f.StringVar(&findingsOpts.target, "target", "", "Filter by target id")
	f.StringVar(&findingsOpts.rule, "rule", "", "Filter by rule id")
	f.StringVar(&findingsOpts.run, "run", "", "Filter by run id")
	f.StringVar(&findingsOpts.severity, "severity", "", "Exact severity (info, warning, critical)")
	f.StringVar(&findingsOpts.minSeverity, "min-severity", "", "Minimum severity")
	f.StringVar(&findingsOpts.verdict, "verdict", "", "Verdict (pass, fail, inconclusive)")
	f.StringVar(&findingsOpts.since, "since", "", "RFC 3339 time or duration such as 24h")
	f.BoolVar(&findingsOpts.alerting, "alerting", false, "Only alerting (or, with =false, only suppressed) findings")
	f.IntVar(&findingsOpts.limit, "limit", 100, "Maximum number of findings")

	targetsCmd.AddCommand(setEnabledCmd(true), setEnabledCmd(false))
}
