package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/onnx-harness/ep"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func hashes(args []string) error {
	fs := flag.NewFlagSet("hashes", flag.ExitOnError)
	kind := fs.String("provider", "cpu", "Kind of the provider")
	options := fs.String("options", "", "Provider options, as \"key=value,key=value\"")
	golden := fs.String("golden", "", "JSON file with the expected kernel definition hashes")
	update := fs.Bool("update", false, "Overwrite the golden file with the current hashes")
	_ = fs.Parse(args)
	if *golden == "" {
		return errors.New("-golden is required")
	}

	providerOptions, err := parseOptions(*options)
	if err != nil {
		return err
	}
	provider, err := ep.Create(*kind, providerOptions)
	if err != nil {
		return err
	}
	lister, ok := provider.(ep.KernelLister)
	if !ok {
		return errors.Errorf("provider %s doesn't list its kernel definitions", provider.Type())
	}
	actual := ep.HashKernelDefs(lister.KernelDefs())
	if *update {
		if err := ep.WriteKernelDefHashes(*golden, actual); err != nil {
			return err
		}
		fmt.Printf("%d kernel definition hashes written to %q\n", len(actual), *golden)
		return nil
	}

	expected, err := ep.LoadKernelDefHashes(*golden)
	if err != nil {
		return err
	}
	missing, extra := ep.CheckKernelDefHashes(actual, expected)
	for _, h := range extra {
		klog.Warningf("new kernel definition %s (hash %d): update %q", h.Key, h.Hash, *golden)
	}
	for _, h := range missing {
		fmt.Printf("missing kernel definition %s (hash %d)\n", h.Key, h.Hash)
	}
	if len(missing) > 0 {
		return errors.Errorf("%d kernel definitions of %s changed or were removed", len(missing), provider.Type())
	}
	fmt.Printf("%d kernel definition hashes of %s match %q\n", len(expected), provider.Type(), *golden)
	return nil
}
