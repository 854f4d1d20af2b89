package validate

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllScenariosPass(t *testing.T) {
	if testing.Short() {
		t.Skip("scenario run takes a few hundred milliseconds")
	}
	csvPath := filepath.Join(t.TempDir(), "latency.csv")
	report, err := Run(Options{Iterations: 500, CSVPath: csvPath})
	require.NoError(t, err)

	require.Len(t, report.Results, 5)
	for _, res := range report.Results {
		assert.True(t, res.Passed, "%s failed: %s", res.Name, res.Details)
	}
	assert.True(t, report.Passed())
	assert.Equal(t, 0, report.ExitCode())
}

func TestLatencyCSVContract(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "latency.csv")
	_, err := runLatency(Options{Iterations: 50, CSVPath: csvPath, Seed: 1})
	require.NoError(t, err)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 51) // header + one row per iteration
	assert.Equal(t, []string{"iteration", "latency_us", "blocked"}, rows[0])
	assert.Equal(t, "0", rows[1][0])
	assert.Equal(t, "true", rows[1][2], "quarantined pid must report blocked")
}

func TestBudgetExhaustionScenario(t *testing.T) {
	res := runBudgetExhaustion(Options{Iterations: 10, Seed: 1})
	assert.True(t, res.Passed, res.Details)
}

func TestCooldownScenario(t *testing.T) {
	res := runCooldown(Options{Seed: 1})
	assert.True(t, res.Passed, res.Details)
}

func TestFPRScenarioOnBenignTraces(t *testing.T) {
	res := runFPR(Options{Iterations: 300, Seed: 7})
	assert.True(t, res.Passed, res.Details)
}

func TestExitCodeOnFailure(t *testing.T) {
	r := &Report{Results: []ScenarioResult{{Name: "x", Passed: false}}}
	assert.Equal(t, 1, r.ExitCode())
}
