package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/onnx-harness/conformance"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/session"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func fetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	repoID := fs.String("repo", "", "HuggingFace Hub repository, e.g. \"onnx-community/mnist\"")
	fileName := fs.String("file", "model.onnx", "ONNX file in the repository")
	kind := fs.String("check", "", "If set, checks that the provider of this kind (e.g. \"coreml\") claims nodes of the model")
	options := fs.String("options", "", "Provider options, as \"key=value,key=value\"")
	_ = fs.Parse(args)
	if *repoID == "" {
		return errors.New("-repo is required")
	}

	// Some repositories require the HF_TOKEN, it can be created in https://huggingface.co
	repo := hub.New(*repoID).WithAuth(os.Getenv("HF_TOKEN"))
	if !repo.HasFile(*fileName) {
		return errors.Errorf("file %q not found in repository %q", *fileName, *repoID)
	}
	modelPath, err := repo.DownloadFile(*fileName)
	if err != nil {
		return errors.Wrapf(err, "downloading %q from %q", *fileName, *repoID)
	}
	fmt.Printf("%s\n", modelPath)
	if *kind == "" {
		return nil
	}

	providerOptions, err := parseOptions(*options)
	if err != nil {
		return err
	}
	provider, err := ep.Create(*kind, providerOptions)
	if err != nil {
		return err
	}
	recorder := conformance.NewRecorder(*repoID)
	var count int
	if !recorder.Run(func(t conformance.T) {
		count = conformance.LoadAndCountAssigned(t, modelPath, provider)
	}) {
		return errors.Errorf("node assignment check failed: %v", recorder.Failures())
	}

	// Report the nodes left to the CPU provider.
	s := session.NewSession(session.Options{})
	if err := s.RegisterExecutionProvider(provider); err != nil {
		return err
	}
	if err := s.Load(modelPath); err != nil {
		return err
	}
	if err := s.Initialize(); err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	klog.V(1).Infof("%s", s.Model())
	view := s.Graph()
	for idx, node := range view.Nodes() {
		if view.AssignedTo(idx) != provider.Type() {
			klog.V(1).Infof("node %q (%s) assigned to %s", node.Name, node.OpType, view.AssignedTo(idx))
		}
	}
	fmt.Printf("%d of %d nodes assigned to %s, in %d partitions\n", count, view.NumNodes(), provider.Type(), len(s.Partitions()))
	return nil
}
