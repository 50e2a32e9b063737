package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/tumor-intake/internal/model"
)

func TestPrintEntries(t *testing.T) {
	var buf bytes.Buffer
	entries := []*model.AuditEntry{
		{
			SessionID: "s-1",
			Action:    "prediction_succeeded",
			Outcome:   "success",
			ModelType: "gompertz",
			PatientID: sql.NullInt64{Int64: 7, Valid: true},
			Detail:    "123.45",
			CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{SessionID: "s-2", Action: "login_failed", Outcome: "failure", CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	require.NoError(t, printEntries(&buf, entries))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "TIME"))
	assert.Contains(t, lines[1], "2026-03-01T10:00:00Z")
	assert.Contains(t, lines[1], "gompertz")
	assert.Equal(t, []string{"2026-03-01T09:00:00Z", "s-2", "login_failed", "failure", "-", "-", "-"}, strings.Fields(lines[2]))
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, "growth_chart.html", run.Flags().Lookup("chart-out").DefValue)

	list, _, err := root.Find([]string{"audit", "list"})
	require.NoError(t, err)
	assert.Equal(t, "50", list.Flags().Lookup("limit").DefValue)
	assert.NotNil(t, root.PersistentFlags().Lookup("api-url"))
}

func TestAuditListNeedsDatabase(t *testing.T) {
	t.Setenv("DB_HOST", "")
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("prediction_api:\n  base_url: http://127.0.0.1:8000/api\n"), 0o600))

	root := newRootCmd()
	root.SetArgs([]string{"audit", "list", "--config", path})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)

	err := root.Execute()
	assert.ErrorContains(t, err, "needs a configured database")
}
