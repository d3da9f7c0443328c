package report

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	results := []Result{
		{Suite: "conformance", Case: "AddChain", Provider: "CoreMLExecutionProvider", AssignedNodes: 2, TotalNodes: 2, Passed: true},
		{Suite: "conformance", Case: "MNIST", Provider: "CoreMLExecutionProvider", AssignedNodes: 5, TotalNodes: 5,
			MaxAbsDiff: 0.25, Message: `output "Output": element #3 differs`},
		{Suite: "shape_inference", Case: "Gelu", Passed: true},
	}
	filePath := filepath.Join(t.TempDir(), "report.parquet")
	require.NoError(t, Write(filePath, results))
	got, err := Read(filePath)
	require.NoError(t, err)
	assert.Equal(t, results, got)

	_, err = Read(filepath.Join(t.TempDir(), "missing.parquet"))
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	summary := Summary([]Result{
		{Suite: "conformance", Case: "AddChain", Provider: "CPUExecutionProvider", AssignedNodes: 2, TotalNodes: 2, Passed: true},
		{Suite: "conformance", Case: "MNIST", Provider: "CPUExecutionProvider", MaxAbsDiff: 0.5, Message: "mismatch"},
	})
	assert.Equal(t, "PASS conformance/AddChain [CPUExecutionProvider]: 2/2 nodes assigned\n"+
		"FAIL conformance/MNIST [CPUExecutionProvider]: 0/0 nodes assigned, max abs diff 0.5: mismatch\n"+
		"1 of 2 checks passed\n", summary)
}
