package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    model.RuleCondition
		wantErr bool
	}{
		{
			name:  "contains",
			input: "description:contains:EDF",
			want:  model.RuleCondition{Field: model.FieldDescription, Operator: model.OpContains, Value: "EDF"},
		},
		{
			name:  "range with upper bound",
			input: "amount:range:50:150",
			want:  model.RuleCondition{Field: model.FieldAmount, Operator: model.OpRange, Value: "50", Value2: "150"},
		},
		{
			name:  "regex keeps colons",
			input: "reference:regex:^INV:[0-9]+$",
			want:  model.RuleCondition{Field: model.FieldReference, Operator: model.OpRegex, Value: "^INV:[0-9]+$"},
		},
		{
			name:  "date range",
			input: "date:date_range:2026-03-01:2026-03-31",
			want:  model.RuleCondition{Field: model.FieldDate, Operator: model.OpDateRange, Value: "2026-03-01", Value2: "2026-03-31"},
		},
		{name: "too short", input: "amount:equals", wantErr: true},
		{name: "unknown field", input: "memo:contains:x", wantErr: true},
		{name: "unknown operator", input: "amount:near:10", wantErr: true},
		{name: "range without bound", input: "amount:range:10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCondition(tt.input)
			if tt.wantErr {
				var verr *common.ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAction(t *testing.T) {
	a, err := parseAction("categorize:Utilities")
	require.NoError(t, err)
	assert.Equal(t, model.RuleAction{Type: model.ActionCategorize, Value: "Utilities"}, a)

	a, err = parseAction("flag")
	require.NoError(t, err)
	assert.Equal(t, model.ActionFlag, a.Type)
	assert.Empty(t, a.Value)

	_, err = parseAction("explode")
	assert.Error(t, err)
}

func rangeCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addRangeFlags(cmd, 30)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestRangeFlags(t *testing.T) {
	start, end, err := rangeFlags(rangeCommand(t, "--from", "2026-03-01", "--to", "2026-03-31"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 31, 23, 59, 59, 999999999, time.UTC), end)

	start, end, err = rangeFlags(rangeCommand(t, "--to", "2026-03-31", "--days", "10"))
	require.NoError(t, err)
	assert.Equal(t, 10*24*time.Hour, end.Sub(start))

	_, _, err = rangeFlags(rangeCommand(t, "--from", "2026-04-01", "--to", "2026-03-01"))
	assert.Error(t, err)

	_, _, err = rangeFlags(rangeCommand(t, "--from", "March"))
	assert.Error(t, err)
}

func TestStatementFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.ofx", "b.QFX", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.ofx"), 0o750))
	single := filepath.Join(dir, "notes.txt")

	files, err := statementFiles([]string{dir, single})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.ofx"), filepath.Join(dir, "b.QFX"), single}, files)

	_, err = statementFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func runKeys(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := keysCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return strings.TrimSpace(out.String())
}

func TestKeysCommands(t *testing.T) {
	token := runKeys(t, "", "generate", "--bytes", "16")
	assert.Len(t, token, 22)

	assert.Equal(t, encryption.HashToken("abc"), runKeys(t, "", "hash", "abc"))
	assert.Equal(t, encryption.HashToken("from-stdin"), runKeys(t, "from-stdin\n", "hash"))

	payload := `{"event_id":"evt-1"}`
	sig := runKeys(t, payload, "sign", "whsec_test")
	assert.True(t, encryption.Verify([]byte(payload), sig, "whsec_test"))
}
