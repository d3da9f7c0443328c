package ep

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// opTypeProvider claims runs of unassigned nodes with the given op types.
type opTypeProvider struct {
	name    string
	opTypes map[string]bool
	claims  []*Capability // if set, returned as is.
}

func (p *opTypeProvider) Type() string { return p.name }

func (p *opTypeProvider) GetCapability(view *GraphView) []*Capability {
	if p.claims != nil {
		return p.claims
	}
	var caps []*Capability
	for _, run := range view.UnassignedRuns(func(idx int) bool { return p.opTypes[view.Node(idx).OpType] }) {
		caps = append(caps, NewCapability(run...))
	}
	return caps
}

func (p *opTypeProvider) Compile(*Partition) (Executable, error) { return nil, errors.New("not implemented") }

// buildChain builds M = Relu(Relu(X+Y) + (X+Y)).
func buildChain(t *testing.T) *onnx.Model {
	b := onnx.NewBuilder("chain")
	for _, name := range []string{"X", "Y", "M"} {
		b.NodeArg(name, onnx.TensorType(dtypes.Float32, 2, 3))
	}
	b.AddNode("add1", "Add", "", []string{"X", "Y"}, []string{"a"})
	b.AddNode("relu1", "Relu", "", []string{"a"}, []string{"b"})
	b.AddNode("add2", "Add", "", []string{"b", "a"}, []string{"c"})
	b.AddNode("relu2", "Relu", "", []string{"c"}, []string{"M"})
	m, err := b.Model()
	require.NoError(t, err)
	return m
}

func TestPartitionGraph(t *testing.T) {
	view, err := NewGraphView(buildChain(t))
	require.NoError(t, err)
	require.Equal(t, 4, view.NumNodes())
	assert.Equal(t, []int{1, 2}, view.Consumers("a"))
	assert.Equal(t, 0, view.Producer("a"))
	assert.Equal(t, -1, view.Producer("X"))
	dims, _, ok := view.StaticDims("X")
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3}, dims)

	adder := &opTypeProvider{name: "Adder", opTypes: map[string]bool{"Add": true}}
	relu := &opTypeProvider{name: "Relu", opTypes: map[string]bool{"Relu": true, "Add": true}}
	partitions, err := PartitionGraph(view, []ExecutionProvider{adder, relu})
	require.NoError(t, err)
	require.Len(t, partitions, 4)
	assert.Equal(t, 2, view.CountAssigned("Adder"))
	assert.Equal(t, 2, view.CountAssigned("Relu"))

	// Execution order follows the dependencies.
	for id, p := range partitions {
		assert.Equal(t, id, p.ID)
		assert.Equal(t, []int{id}, p.NodeIndices)
	}
	assert.Equal(t, "Adder", partitions[0].ProviderType)
	assert.Equal(t, []string{"X", "Y"}, partitions[0].Inputs)
	assert.Equal(t, []string{"a"}, partitions[0].Outputs)
	assert.Equal(t, []string{"b", "a"}, partitions[2].Inputs)
	assert.Equal(t, []string{"M"}, partitions[3].Outputs)
}

func TestPartitionGraphClaims(t *testing.T) {
	// Overlapping, out-of-range and empty claims are rejected; the accepted ones are merged into one partition each.
	view, err := NewGraphView(buildChain(t))
	require.NoError(t, err)
	first := &opTypeProvider{name: "First", claims: []*Capability{NewCapability(1, 0), NewCapability(1, 2), NewCapability(7), NewCapability()}}
	second := &opTypeProvider{name: "Second", opTypes: map[string]bool{"Add": true, "Relu": true}}
	partitions, err := PartitionGraph(view, []ExecutionProvider{first, second})
	require.NoError(t, err)
	require.Len(t, partitions, 2)
	assert.Equal(t, "First", partitions[0].ProviderType)
	assert.Equal(t, []int{0, 1}, partitions[0].NodeIndices)
	assert.Equal(t, []string{"X", "Y"}, partitions[0].Inputs)
	assert.Equal(t, []string{"a", "b"}, partitions[0].Outputs)
	assert.Equal(t, []int{2, 3}, partitions[1].NodeIndices)
	assert.Equal(t, []string{"b", "a"}, partitions[1].Inputs)

	// Unclaimed nodes.
	view, err = NewGraphView(buildChain(t))
	require.NoError(t, err)
	_, err = PartitionGraph(view, []ExecutionProvider{&opTypeProvider{name: "Relu", opTypes: map[string]bool{"Relu": true}}})
	var unassignedErr *UnassignedNodesError
	require.True(t, errors.As(err, &unassignedErr))
	require.Len(t, unassignedErr.Nodes, 2)
	assert.Equal(t, "add1", unassignedErr.Nodes[0].Name)

	// Interleaved claims create a cycle between partitions.
	view, err = NewGraphView(buildChain(t))
	require.NoError(t, err)
	_, err = PartitionGraph(view, []ExecutionProvider{
		&opTypeProvider{name: "A", claims: []*Capability{NewCapability(0, 2)}},
		&opTypeProvider{name: "B", claims: []*Capability{NewCapability(1, 3)}},
	})
	require.ErrorContains(t, err, "cyclic")
}

type fakeOptions struct {
	Device    string  `mapstructure:"device"`
	UseFP16   bool    `mapstructure:"use_fp16"`
	Tolerance float64 `mapstructure:"tolerance"`
}

type fakeExecutable struct{}

func (fakeExecutable) Run(context.Context, map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	return nil, nil
}
func (fakeExecutable) Close() error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(options map[string]any) (ExecutionProvider, error) {
		var cfg fakeOptions
		if err := DecodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return &opTypeProvider{name: cfg.Device}, nil
	})
	assert.Equal(t, []string{"fake"}, r.Kinds())

	p, err := r.Create("fake", map[string]any{"device": "gpu", "use_fp16": "true", "tolerance": 1})
	require.NoError(t, err)
	assert.Equal(t, "gpu", p.Type())

	_, err = r.Create("fake", map[string]any{"devise": "gpu"})
	require.ErrorContains(t, err, "devise")
	_, err = r.Create("missing", nil)
	require.Error(t, err)

	var cfg fakeOptions
	require.NoError(t, DecodeOptions(map[string]any{"use_fp16": 1, "tolerance": "0.5"}, &cfg))
	assert.True(t, cfg.UseFP16)
	assert.Equal(t, 0.5, cfg.Tolerance)
	var _ Executable = fakeExecutable{}
}

func TestKernelDefHashes(t *testing.T) {
	def := KernelDef{
		Provider: CPUProviderType, OpType: "Add", SinceVersion: 7, EndVersion: 12,
		TypeConstraints: map[string][]string{"T": {"int64", "float", "double"}},
	}
	assert.Equal(t, "Add ai.onnx CPUExecutionProvider", def.Key())
	assert.Equal(t, "Add ai.onnx CPUExecutionProvider|7|12|T=double,float,int64", def.canonical())
	assert.Equal(t, uint64(0xb65392683ca51cbf), def.Hash())

	// Adding a type changes the hash, unless the original types are kept for hashing.
	extended := def
	extended.TypeConstraints = map[string][]string{"T": {"int64", "float", "double", "int32"}}
	assert.NotEqual(t, def.Hash(), extended.Hash())
	extended.HashTypeConstraints = def.TypeConstraints
	assert.Equal(t, def.Hash(), extended.Hash())

	contrib := KernelDef{Provider: CPUProviderType, Domain: "com.microsoft", OpType: "Gelu", SinceVersion: 1}
	actual := HashKernelDefs([]KernelDef{def, contrib})
	require.Len(t, actual, 2)
	assert.Equal(t, "Add ai.onnx CPUExecutionProvider", actual[0].Key)

	path := filepath.Join(t.TempDir(), "hashes.json")
	require.NoError(t, WriteKernelDefHashes(path, actual))
	loaded, err := LoadKernelDefHashes(path)
	require.NoError(t, err)
	assert.Equal(t, actual, loaded)

	missing, extra := CheckKernelDefHashes(actual, loaded)
	assert.Empty(t, missing)
	assert.Empty(t, extra)

	changed := def
	changed.SinceVersion = 13
	missing, extra = CheckKernelDefHashes(HashKernelDefs([]KernelDef{changed, contrib}), loaded)
	require.Len(t, missing, 1)
	assert.Equal(t, actual[0], missing[0])
	require.Len(t, extra, 1)
	assert.Equal(t, changed.Hash(), extra[0].Hash)

	// Only new kernels: nothing missing.
	missing, extra = CheckKernelDefHashes(HashKernelDefs([]KernelDef{def, contrib, changed}), loaded)
	assert.Empty(t, missing)
	assert.Len(t, extra, 1)
}
