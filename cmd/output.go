package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/reasoning-cli/internal/definition"
	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/monitoring"
	"github.com/sells-group/reasoning-cli/internal/pipeline"
	"github.com/sells-group/reasoning-cli/internal/store"
)

// printer groups digits in counts and dollar amounts.
var printer = message.NewPrinter(language.English)

// printJSON writes v as indented JSON.
func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatValidation writes validation findings to w.
func formatValidation(out io.Writer, res definition.ValidationResult) {
	for _, e := range res.Errors {
		_, _ = fmt.Fprintf(out, "error: %s\n", e)
	}
	for _, wn := range res.Warnings {
		_, _ = fmt.Fprintf(out, "warning: %s\n", wn)
	}
	if res.Valid() && len(res.Warnings) == 0 {
		_, _ = fmt.Fprintln(out, "definition is valid")
	}
}

// formatDefinitionsList writes a tabular list of definitions to w.
func formatDefinitionsList(out io.Writer, defs []model.Definition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tVIEWS\tSTRATEGY\tMODEL\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t--------\t-----\t-------")
	for _, d := range defs {
		name := d.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		strategy := "-"
		if len(d.CombinationRules) > 0 {
			strategy = string(d.CombinationRules[0].Strategy)
			if strategy == "" {
				strategy = string(model.StrategyCrossProduct)
			}
		}
		m := d.Model
		if m == "" {
			m = "default"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(d.ID),
			name,
			strings.Join(d.ViewNames(), ","),
			strategy,
			m,
			d.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatInstancesList writes a tabular list of instances to w.
func formatInstancesList(out io.Writer, insts []model.Instance) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDEFINITION\tSTATUS\tPROGRESS\tOK/FAILED\tCOST\tSTARTED")
	_, _ = fmt.Fprintln(w, "--\t----------\t------\t--------\t---------\t----\t-------")
	for i := range insts {
		inst := &insts[i]
		m := inst.Metrics
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d/%d\t%s\t%s\n",
			truncateID(inst.ID),
			truncateID(inst.DefinitionID),
			inst.Status,
			m.ProcessedCombinations, m.TotalCombinations,
			m.SuccessfulOutputs, m.FailedOutputs,
			usd(m.ActualCostUSD),
			inst.StartedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatEstimate writes an estimate and, when limit is positive, whether
// it fits the cost limit.
func formatEstimate(out io.Writer, est *estimate.Estimate, limit float64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if est.Unpriced {
		_, _ = fmt.Fprintf(w, "Model:\t%s (no pricing configured, costs shown as zero)\n", est.Model)
	} else {
		_, _ = fmt.Fprintf(w, "Model:\t%s\n", est.Model)
	}
	views := make([]string, 0, len(est.ViewCounts))
	for v := range est.ViewCounts {
		views = append(views, v)
	}
	slices.Sort(views)
	for _, v := range views {
		_, _ = printer.Fprintf(w, "View %s:\t%d records\n", v, est.ViewCounts[v])
	}
	_, _ = printer.Fprintf(w, "Combinations:\t%d\n", est.Combinations)
	_, _ = printer.Fprintf(w, "Per call:\t$%.4f\n", est.PerCallCostUSD)
	_, _ = fmt.Fprintf(w, "Estimated cost:\t%s\n", usd(est.CostUSD))
	_, _ = fmt.Fprintf(w, "Estimated duration:\t%s\n", est.Duration.Round(time.Second))
	if limit > 0 {
		verdict := "within limit"
		switch {
		case est.Unpriced:
			verdict = "CANNOT ENFORCE"
		case est.CostUSD > limit:
			verdict = "EXCEEDS LIMIT"
		}
		_, _ = fmt.Fprintf(w, "Cost limit:\t%s (%s)\n", usd(limit), verdict)
	}
	_ = w.Flush()
}

// formatProgress writes a one-line progress summary.
func formatProgress(out io.Writer, p *pipeline.Progress) {
	_, _ = printer.Fprintf(out, "%s %s: %d/%d processed (%.1f%%), %d ok, %d failed, %s spent, %s elapsed\n",
		truncateID(p.InstanceID),
		p.Status,
		p.ProcessedCombinations, p.TotalCombinations,
		p.PercentComplete,
		p.SuccessfulOutputs, p.FailedOutputs,
		usd(p.ActualCostUSD),
		p.Elapsed.Round(time.Second),
	)
}

// formatBatchResult summarizes an execution pass.
func formatBatchResult(out io.Writer, b *pipeline.BatchResult) {
	if b == nil {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = printer.Fprintf(w, "Executed:\t%d of %d\n", b.Executed, b.Requested)
	_, _ = printer.Fprintf(w, "Succeeded:\t%d\n", b.Succeeded)
	_, _ = printer.Fprintf(w, "Failed:\t%d\n", b.Failed)
	_, _ = fmt.Fprintf(w, "Cost:\t%s\n", usd(b.CostUSD))
	if len(b.Unknown) > 0 {
		_, _ = fmt.Fprintf(w, "Unknown ids:\t%d\n", len(b.Unknown))
	}
	if b.Cancelled {
		_, _ = fmt.Fprintf(w, "Cancelled:\t%d not started\n", len(b.Skipped))
	}
	if b.FlushErr != nil {
		_, _ = fmt.Fprintf(w, "Flush error:\t%v\n", b.FlushErr)
	}
	_ = w.Flush()
}

// formatStats writes aggregate instance statistics.
func formatStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	window := "all time"
	if s.LookbackHours > 0 {
		window = fmt.Sprintf("last %dh", s.LookbackHours)
	}
	_, _ = fmt.Fprintf(w, "Window:\t%s\n", window)
	_, _ = printer.Fprintf(w, "Instances:\t%d\n", s.InstancesTotal)
	_, _ = printer.Fprintf(w, "  Pending:\t%d\n", s.InstancesPending)
	_, _ = printer.Fprintf(w, "  Running:\t%d\n", s.InstancesRunning)
	_, _ = printer.Fprintf(w, "  Completed:\t%d\n", s.InstancesCompleted)
	_, _ = printer.Fprintf(w, "  Failed:\t%d\n", s.InstancesFailed)
	_, _ = printer.Fprintf(w, "Combinations:\t%d\n", s.Combinations)
	_, _ = printer.Fprintf(w, "Outputs ok/failed:\t%d/%d\n", s.OutputsSucceeded, s.OutputsFailed)
	if s.OutputsSucceeded+s.OutputsFailed > 0 {
		_, _ = fmt.Fprintf(w, "Output success rate:\t%.1f%%\n", s.OutputSuccessRate*100)
	}
	_, _ = fmt.Fprintf(w, "Cost (actual/estimated):\t%s / %s\n", usd(s.CostUSD), usd(s.EstimatedCostUSD))
	_ = w.Flush()
}

// formatCollections writes record collection sizes.
func formatCollections(out io.Writer, cols []store.CollectionInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COLLECTION\tRECORDS")
	_, _ = fmt.Fprintln(w, "----------\t-------")
	for _, c := range cols {
		_, _ = printer.Fprintf(w, "%s\t%d\n", c.Name, c.Count)
	}
	_ = w.Flush()
}

func usd(v float64) string {
	return printer.Sprintf("$%.2f", v)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
