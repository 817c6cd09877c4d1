package dispersion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pandemicsyn/ring-master/pkg/ringfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeDispersionTool writes a tiny shell script that echoes a fixed
// JSON report to stdout, standing in for the real dispersion_cmd.
func writeFakeDispersionTool(t *testing.T, json string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-dispersion.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n" + json + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRun_ParsesReportForKind(t *testing.T) {
	tool := writeFakeDispersionTool(t, `{"container": {"missing_2": 0, "pct_found": 99.8}}`)

	report, err := Run(context.Background(), tool, ringfile.Container)
	require.NoError(t, err)
	assert.Equal(t, 0, report.MissingTwo)
	assert.Equal(t, 99.8, report.PctFound)
}

func TestRun_MissingKeyFails(t *testing.T) {
	tool := writeFakeDispersionTool(t, `{"object": {"missing_2": 0, "pct_found": 99.8}}`)

	_, err := Run(context.Background(), tool, ringfile.Container)
	assert.Error(t, err)
}

func TestRun_UnparseableOutputFails(t *testing.T) {
	tool := writeFakeDispersionTool(t, `not json at all`)

	_, err := Run(context.Background(), tool, ringfile.Container)
	assert.Error(t, err)
}

func TestGateOK_PassesWhenNoMissingAndAboveThreshold(t *testing.T) {
	assert.True(t, GateOK(Report{MissingTwo: 0, PctFound: 100.0}, 99.75))
}

func TestGateOK_FailsOnExactThreshold(t *testing.T) {
	// Strictly greater required; exact match must fail.
	assert.False(t, GateOK(Report{MissingTwo: 0, PctFound: 99.75}, 99.75))
}

func TestGateOK_FailsWhenMissingTwoNonZero(t *testing.T) {
	assert.False(t, GateOK(Report{MissingTwo: 3, PctFound: 100.0}, 99.75))
}
