package commands

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/smartcontractkit/deployment-sequencer/ledger"
	"github.com/smartcontractkit/deployment-sequencer/sequencer"
	"github.com/smartcontractkit/deployment-sequencer/verify"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorders(tablewriter.Border{Left: false, Right: false, Top: true, Bottom: true})

	return table
}

// renderSteps prints one row per visited step. The detail column holds the identifier, or the
// error of a failed or blocked step.
func renderSteps(w io.Writer, report sequencer.RunReport) {
	table := newTable(w, "#", "STEP", "RESOURCE KEY", "OUTCOME", "DETAIL")
	for _, s := range report.Steps {
		detail := s.Identifier.String()
		if s.Err != nil {
			detail = s.Err.Message
		}
		table.Append([]string{strconv.Itoa(s.Index), s.Name, s.ResourceKey.String(), string(s.Outcome), detail})
	}
	table.Render()
}

// renderLedger prints the ledger entries in key order.
func renderLedger(w io.Writer, l *ledger.Ledger) {
	table := newTable(w, "RESOURCE KEY", "IDENTIFIER", "STEP", "APPLIED AT")
	for _, key := range l.Keys() {
		r, _ := l.Get(key)

		step := ""
		if r.StepIndex > 0 {
			step = strconv.Itoa(r.StepIndex) + " " + r.StepName
		}
		appliedAt := ""
		if r.AppliedAt != nil {
			appliedAt = r.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		table.Append([]string{key.String(), r.Identifier.String(), step, appliedAt})
	}
	table.Render()
}

// renderChecks prints the result of every verification check.
func renderChecks(w io.Writer, report verify.Report) {
	table := newTable(w, "CHECK", "RESULT", "DETAIL")
	for _, r := range report.Results {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		table.Append([]string{r.Name, result, r.Error})
	}
	table.Render()
}
