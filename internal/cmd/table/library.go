package table

import (
	"time"

	"github.com/agentstation/depot/internal/deps"
	"github.com/agentstation/depot/pkg/library"
)

// LibraryToTableData converts library entries to table format.
func LibraryToTableData(entries []library.Entry, wide bool, now time.Time) Data {
	headers := []string{"Title", "Platform", "Name", "Size", "Verified", "Last Played"}
	align := []Align{AlignRight, AlignLeft, AlignLeft, AlignRight, AlignLeft, AlignLeft}
	if wide {
		headers = append(headers, "Path", "Job")
		align = append(align, AlignLeft, AlignLeft)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		verified := e.VerifiedAt
		row := []string{
			e.TitleID,
			string(e.Platform),
			orDash(e.Name),
			FormatBytes(e.SizeBytes),
			FormatTime(&verified, now),
			FormatTime(e.LastPlayed, now),
		}
		if wide {
			row = append(row, e.Path, orDash(shortID(e.JobID)))
		}
		rows = append(rows, row)
	}
	return Data{Headers: headers, Rows: rows, ColumnAlignment: align}
}

// UntrackedToTableData lists directories found by a reconcile that no job owns.
func UntrackedToTableData(list []library.Untracked) Data {
	rows := make([][]string, 0, len(list))
	for _, u := range list {
		rows = append(rows, []string{u.Path, FormatBytes(u.SizeBytes), orDash(u.TitleHint)})
	}
	return Data{
		Headers:         []string{"Untracked Path", "Size", "Title Hint"},
		Rows:            rows,
		ColumnAlignment: []Align{AlignLeft, AlignRight, AlignRight},
	}
}

// DepsToTableData converts dependency check results to table format.
func DepsToTableData(list []deps.Dependency, statuses map[string]deps.Status) Data {
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		st := statuses[d.Name]
		status := "missing"
		if st.Available {
			status = "ok"
		}
		detail := st.Path
		if !st.Available {
			detail = st.Message
		}
		rows = append(rows, []string{d.DisplayName, string(d.Kind), status, orDash(detail)})
	}
	return Data{
		Headers: []string{"Dependency", "Kind", "Status", "Detail"},
		Rows:    rows,
	}
}
