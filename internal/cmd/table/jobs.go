package table

import (
	"strconv"
	"time"

	"github.com/agentstation/depot/pkg/jobs"
)

// JobsToTableData converts jobs to table format. Wide output adds the
// display name, destination, attempt counts and the last failure.
func JobsToTableData(list []jobs.Job, wide bool, now time.Time) Data {
	headers := []string{"ID", "Title", "Platform", "State", "Phase", "Progress", "Retries", "Updated"}
	align := []Align{AlignLeft, AlignRight, AlignLeft, AlignLeft, AlignLeft, AlignRight, AlignRight, AlignLeft}
	if wide {
		headers = append(headers, "Name", "Attempts", "Destination", "Error")
		align = append(align, AlignLeft, AlignRight, AlignLeft, AlignLeft)
	}

	rows := make([][]string, 0, len(list))
	for _, j := range list {
		updated := j.UpdatedAt
		row := []string{
			shortID(j.ID),
			j.TitleID,
			string(j.Platform),
			string(j.State),
			orDash(j.Phase),
			FormatPercent(j.Percent),
			strconv.Itoa(j.RetryCount),
			FormatTime(&updated, now),
		}
		if wide {
			failure := "-"
			if j.Error != nil {
				failure = string(j.Error.Kind) + ": " + truncate(j.Error.Message, 60)
			}
			row = append(row, orDash(j.Name), strconv.Itoa(j.Attempts), j.Destination, failure)
		}
		rows = append(rows, row)
	}

	return Data{Headers: headers, Rows: rows, ColumnAlignment: align}
}

// shortID trims job ids for narrow tables. Commands accept unique prefixes.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
