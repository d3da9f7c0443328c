// Package report stores the results of the conformance and shape-inference checks as parquet files.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Result of one check.
//
// The parquet annotations are described in: https://pkg.go.dev/github.com/parquet-go/parquet-go#SchemaOf
type Result struct {
	Suite         string  `parquet:"suite,dict"`
	Case          string  `parquet:"case"`
	Provider      string  `parquet:"provider,dict"`
	AssignedNodes int     `parquet:"assigned_nodes"`
	TotalNodes    int     `parquet:"total_nodes"`
	MaxAbsDiff    float32 `parquet:"max_abs_diff"`
	Passed        bool    `parquet:"passed"`
	Message       string  `parquet:"message,snappy"`
}

// String implements fmt.Stringer.
func (r Result) String() string {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	s := fmt.Sprintf("%s %s/%s [%s]: %d/%d nodes assigned", status, r.Suite, r.Case, r.Provider, r.AssignedNodes, r.TotalNodes)
	if r.MaxAbsDiff != 0 {
		s += fmt.Sprintf(", max abs diff %g", r.MaxAbsDiff)
	}
	if r.Message != "" {
		s += ": " + r.Message
	}
	return s
}

// Write writes the results to a parquet file, replacing it if it exists.
func Write(filePath string, results []Result) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating report %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "closing report %q", filePath)
		}
	}()
	writer := parquet.NewGenericWriter[Result](f, parquet.SchemaOf(&Result{}))
	if _, err = writer.Write(results); err != nil {
		return errors.Wrapf(err, "writing report %q", filePath)
	}
	if err = writer.Close(); err != nil {
		return errors.Wrapf(err, "writing report %q", filePath)
	}
	return nil
}

// Read reads the results from a parquet file written by Write.
func Read(filePath string) ([]Result, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening report %q", filePath)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "opening report %q", filePath)
	}
	pFile, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, errors.Wrapf(err, "reading report %q", filePath)
	}
	reader := parquet.NewGenericReader[Result](pFile, parquet.SchemaOf(&Result{}))
	defer func() { _ = reader.Close() }()

	results := make([]Result, reader.NumRows())
	numRead, err := reader.Read(results)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading report %q", filePath)
	}
	return results[:numRead], nil
}

// Summary returns one line per result, followed by the count of passed results.
func Summary(results []Result) string {
	var sb strings.Builder
	passed := 0
	for _, r := range results {
		sb.WriteString(r.String())
		sb.WriteByte('\n')
		if r.Passed {
			passed++
		}
	}
	fmt.Fprintf(&sb, "%d of %d checks passed\n", passed, len(results))
	return sb.String()
}
