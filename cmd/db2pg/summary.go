package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	tunnel "github.com/Ants24/db2pg-tunnel"
)

func printSummary(w io.Writer, summary *tunnel.MigrationSummary) {
	fmt.Fprintln(w, "MIGRATION SUMMARY")
	overview := tablewriter.NewWriter(w)
	overview.SetAlignment(tablewriter.ALIGN_LEFT)
	overview.SetAutoWrapText(false)
	overview.AppendBulk([][]string{
		{"Status", summary.Status},
		{"Tables migrated", humanize.Comma(int64(summary.TablesMigrated))},
		{"Tables resumed", humanize.Comma(int64(summary.TablesResumed))},
		{"Tables failed", humanize.Comma(int64(summary.TablesFailed))},
		{"Rows transferred", humanize.Comma(summary.RowsTransferred)},
		{"Foreign key failures", humanize.Comma(int64(summary.ForeignKeyFailures))},
		{"Total time", summary.TotalTime.Round(time.Millisecond).String()},
	})
	overview.Render()

	if len(summary.Tables) > 0 {
		tables := tablewriter.NewWriter(w)
		tables.SetHeader([]string{"Table", "State", "Rows", "Duration", "Error"})
		tables.SetAlignment(tablewriter.ALIGN_LEFT)
		// errors carry the failing SQL; keep them on one line
		tables.SetAutoWrapText(false)
		for _, result := range summary.Tables {
			errText := ""
			if result.Err != nil {
				errText = result.Err.Error()
			}
			state := string(result.State)
			if result.Resumed {
				state += " (resumed)"
			}
			tables.Append([]string{
				result.Table,
				state,
				humanize.Comma(result.Rows),
				result.Duration.Round(time.Millisecond).String(),
				errText,
			})
		}
		tables.Render()
	}

	var validations []tunnel.TableValidation
	for _, result := range summary.Tables {
		if result.RowCount == nil && result.Structure == nil && result.Sample == nil {
			continue
		}
		validations = append(validations, tunnel.TableValidation{
			Table:     result.Table,
			RowCount:  result.RowCount,
			Structure: result.Structure,
			Sample:    result.Sample,
		})
	}
	if len(validations) > 0 {
		fmt.Fprint(w, tunnel.GenerateValidationReport(validations))
	}
	if len(summary.FailedTables) > 0 {
		fmt.Fprintf(w, "Failed tables: %s\n", strings.Join(summary.FailedTables, ", "))
	}
}
