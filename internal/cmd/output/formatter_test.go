package output

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/depot/internal/cmd/table"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
)

func testJobs() []jobs.Job {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return []jobs.Job{
		{ID: "a1b2c3d4e5f6a7b8", TitleID: "440", Platform: jobs.PlatformLinux, State: jobs.StateRunning, Phase: "downloading", Percent: 12.5, UpdatedAt: at},
	}
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"table", "JSON", "yaml", "wide", ""} {
		_, err := ParseFormat(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestDetectFormatExplicit(t *testing.T) {
	assert.Equal(t, FormatYAML, DetectFormat("YAML"))
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatJSON).Format(&buf, testJobs()))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "440", decoded[0]["title_id"])
	assert.Equal(t, "running", decoded[0]["state"])
}

func TestYAMLFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatYAML).Format(&buf, testJobs()))
	assert.Contains(t, buf.String(), "title_id:")
	assert.Contains(t, buf.String(), "440")
	assert.Contains(t, buf.String(), "state: running")
}

func TestTableFormatterJobs(t *testing.T) {
	var buf bytes.Buffer
	f := &TableFormatter{Now: func() time.Time { return time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC) }}
	require.NoError(t, f.Format(&buf, testJobs()))

	out := buf.String()
	assert.Contains(t, out, "a1b2c3d4e5f6")
	assert.NotContains(t, out, "a1b2c3d4e5f6a7b8")
	assert.Contains(t, out, "downloading")
	assert.Contains(t, out, "12.5%")
	assert.Contains(t, out, "5m ago")
}

func TestTableFormatterIndexListsUntracked(t *testing.T) {
	idx := &library.Index{
		Entries:   []library.Entry{{TitleID: "570", Platform: jobs.PlatformWindows, Path: "/srv/windows/570", SizeBytes: 4096}},
		Untracked: []library.Untracked{{Path: "/srv/linux/old", SizeBytes: 10, TitleHint: "220"}},
	}
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatWide).Format(&buf, idx))

	out := buf.String()
	assert.Contains(t, out, "/srv/windows/570")
	assert.Contains(t, out, "/srv/linux/old")
	assert.Contains(t, out, "220")
}

func TestTableFormatterData(t *testing.T) {
	var buf bytes.Buffer
	data := Data{
		Headers:         []string{"Name", "Value"},
		Rows:            [][]string{{"workers", "2"}},
		ColumnAlignment: []table.Align{table.AlignLeft, table.AlignRight},
	}
	require.NoError(t, NewFormatter(FormatTable).Format(&buf, data))
	assert.Contains(t, buf.String(), "workers")
}

func TestConvertToTableData(t *testing.T) {
	type row struct {
		TitleID string `json:"title_id"`
		Count   int
		Hidden  string `json:"-"`
		private string
	}

	data := convertToTableData([]row{{TitleID: "440", Count: 3, Hidden: "x", private: "y"}})
	require.NotNil(t, data)
	assert.Equal(t, []string{"Title Id", "Count"}, data.Headers)
	assert.Equal(t, [][]string{{"440", "3"}}, data.Rows)

	single := convertToTableData(&row{TitleID: "570"})
	require.NotNil(t, single)
	assert.Equal(t, []string{"Property", "Value"}, single.Headers)
	assert.Equal(t, []string{"Title Id", "570"}, single.Rows[0])

	assert.Nil(t, convertToTableData(42))
}
