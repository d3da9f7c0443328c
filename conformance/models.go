package conformance

import (
	"math/rand/v2"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/gomlx/onnx-harness/verify"
	"github.com/pkg/errors"
)

// Names of the models written by WriteModels.
const (
	ReshapeFlattenModelFile = "reshape_flatten.onnx"
	AddChainModelFile       = "graph_1.onnx"
	MNISTLikeModelFile      = "mnist_like.onnx"
)

// BuildReshapeFlattenModel writes to filePath the model Z = Flatten(X) x Reshape(Y, [2, 6]),
// with X shaped [2, 1, 2] and Y shaped [3, 2, 2]. Both reshapes feed only a MatMul.
func BuildReshapeFlattenModel(filePath string) error {
	b := onnx.NewBuilder("reshape_flatten")
	b.NodeArg("X", onnx.TensorType(dtypes.Float32, 2, 1, 2))
	b.NodeArg("Y", onnx.TensorType(dtypes.Float32, 3, 2, 2))
	b.NodeArg("Z", onnx.TensorType(dtypes.Float32, 2, 6))
	shape, err := onnx.TensorToONNX("shape", tensors.FromValue([]int64{2, 6}))
	if err != nil {
		return err
	}
	b.AddInitializer(shape)
	b.AddNode("flatten", "Flatten", "", []string{"X"}, []string{"X_flat"}, verify.AttrInt("axis", 1))
	b.AddNode("reshape", "Reshape", "", []string{"Y", "shape"}, []string{"Y_2d"})
	b.AddNode("matmul", "MatMul", "", []string{"X_flat", "Y_2d"}, []string{"Z"})
	return errors.WithMessagef(b.Save(filePath), "saving reshape/flatten model")
}

// ReshapeFlattenFeeds returns the feeds for the model of BuildReshapeFlattenModel.
func ReshapeFlattenFeeds() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"X": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 1, 2),
		"Y": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 3, 2, 2),
	}
}

// BuildAddChainModel writes to filePath the graph "graph_1" computing M = (X + Y) + Z
// with nodes "node_1" and "node_2". All values are float32 shaped [1, 1, 3, 2].
func BuildAddChainModel(filePath string) error {
	b := onnx.NewBuilder("graph_1")
	for _, name := range []string{"X", "Y", "Z", "M"} {
		b.NodeArg(name, onnx.TensorType(dtypes.Float32, 1, 1, 3, 2))
	}
	b.AddNode("node_1", "Add", "", []string{"X", "Y"}, []string{"node_1_out_1"})
	b.AddNode("node_2", "Add", "", []string{"node_1_out_1", "Z"}, []string{"M"})
	return errors.WithMessagef(b.Save(filePath), "saving add chain model")
}

// AddChainFeeds returns the feeds for the model of BuildAddChainModel: the same values for X, Y and Z.
func AddChainFeeds() map[string]*tensors.Tensor {
	values := []float32{1, 2, 3, 4, 5, 6}
	feeds := make(map[string]*tensors.Tensor, 3)
	for _, name := range []string{"X", "Y", "Z"} {
		feeds[name] = tensors.FromFlatDataAndDimensions(values, 1, 1, 3, 2)
	}
	return feeds
}

// MNIST-like model dimensions.
const (
	MNISTInputName  = "Input3"
	MNISTOutputName = "Output"
	mnistHidden     = 64
	mnistClasses    = 10
)

// MNISTInputDims are the dimensions of the input of the MNIST-like model.
var MNISTInputDims = []int{1, 1, 28, 28}

// BuildMNISTLikeModel writes to filePath a small classifier of MNIST shaped inputs:
// Input3 [1, 1, 28, 28] -> Flatten -> Gemm -> Relu -> Gemm -> Softmax.
// The weights are random, generated from seed.
func BuildMNISTLikeModel(filePath string, seed uint64) error {
	numInputs := MNISTInputDims[1] * MNISTInputDims[2] * MNISTInputDims[3]
	b := onnx.NewBuilder("mnist_like")
	b.NodeArg(MNISTInputName, onnx.TensorType(dtypes.Float32, MNISTInputDims...))
	b.NodeArg(MNISTOutputName, onnx.TensorType(dtypes.Float32, 1, mnistClasses))

	// Weights are stored transposed, as [out, in].
	initializers := []struct {
		name   string
		dims   []int
		stddev float32
	}{
		{"W1", []int{mnistHidden, numInputs}, 0.05},
		{"B1", []int{mnistHidden}, 0.1},
		{"W2", []int{mnistClasses, mnistHidden}, 0.2},
		{"B2", []int{mnistClasses}, 0.1},
	}
	for ii, weight := range initializers {
		t, err := onnx.TensorToONNX(weight.name, GaussianTensor(weight.dims, 0, weight.stddev, seed+uint64(ii)))
		if err != nil {
			return err
		}
		b.AddInitializer(t)
	}
	b.AddNode("flatten", "Flatten", "", []string{MNISTInputName}, []string{"flat"}, verify.AttrInt("axis", 1))
	b.AddNode("dense1", "Gemm", "", []string{"flat", "W1", "B1"}, []string{"hidden"}, verify.AttrInt("transB", 1))
	b.AddNode("relu", "Relu", "", []string{"hidden"}, []string{"activations"})
	b.AddNode("dense2", "Gemm", "", []string{"activations", "W2", "B2"}, []string{"logits"}, verify.AttrInt("transB", 1))
	b.AddNode("softmax", "Softmax", "", []string{"logits"}, []string{MNISTOutputName}, verify.AttrInt("axis", 1))
	return errors.WithMessagef(b.Save(filePath), "saving MNIST-like model")
}

// GaussianTensor returns a float32 tensor with values drawn from a normal distribution, generated from seed.
func GaussianTensor(dims []int, mean, stddev float32, seed uint64) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	r := rand.New(rand.NewPCG(seed, 0))
	data := make([]float32, size)
	for ii := range data {
		data[ii] = mean + stddev*float32(r.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// WriteModels writes all the models of the conformance suite to dir, named as the *ModelFile constants.
func WriteModels(dir string, seed uint64) error {
	builders := map[string]func(filePath string) error{
		ReshapeFlattenModelFile: BuildReshapeFlattenModel,
		AddChainModelFile:       BuildAddChainModel,
		MNISTLikeModelFile: func(filePath string) error {
			return BuildMNISTLikeModel(filePath, seed)
		},
	}
	for name, build := range builders {
		if err := build(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
