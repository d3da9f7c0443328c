// onnx-harness runs the execution provider conformance suite and related tools.
//
// Usage:
//
//	onnx-harness [-v=1] <command> [command flags]
//
// Commands:
//
//	gen-testdata <dir>  writes the models of the conformance suite to dir.
//	run                 runs a conformance suite described in YAML.
//	fetch               downloads an ONNX model from the HuggingFace Hub and checks node assignment.
//	hashes              checks (or updates) the kernel definition hashes of a provider.
//	bench               benchmarks the conformance models with the providers.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Execution providers registered in ep.DefaultRegistry.
	_ "github.com/gomlx/onnx-harness/ep/coreml"
	_ "github.com/gomlx/onnx-harness/ep/cpu"
)

type command struct {
	name, usage string
	run         func(args []string) error
}

var commands = []command{
	{"gen-testdata", "<dir>: writes the models of the conformance suite to dir", genTestdata},
	{"run", "[-suite suite.yaml] [-report out.parquet]: runs a conformance suite", runSuite},
	{"fetch", "-repo <repo> -file <model.onnx> [-check <kind>]: downloads a model from the HuggingFace Hub", fetch},
	{"hashes", "-provider <kind> -golden <file> [-update]: checks the kernel definition hashes", hashes},
	{"bench", "[-duration 5s]: benchmarks the conformance models", bench},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(out, "  %s %s\n", cmd.name, cmd.usage)
	}
	_, _ = fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		err := cmd.run(flag.Args()[1:])
		klog.Flush()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s %s: %v\n", os.Args[0], name, err)
			klog.V(1).Infof("%+v", err)
			os.Exit(1)
		}
		return
	}
	_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
	usage()
	os.Exit(2)
}

// parseOptions parses provider options given as "key=value,key=value". Values that parse as
// booleans or integers are converted.
func parseOptions(s string) (map[string]any, error) {
	options := make(map[string]any)
	if strings.TrimSpace(s) == "" {
		return options, nil
	}
	for _, part := range strings.Split(s, ",") {
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, errors.Errorf("invalid provider option %q, expected key=value", part)
		}
		value = strings.TrimSpace(value)
		if b, err := strconv.ParseBool(value); err == nil {
			options[key] = b
		} else if i, err := strconv.Atoi(value); err == nil {
			options[key] = i
		} else {
			options[key] = value
		}
	}
	return options, nil
}
