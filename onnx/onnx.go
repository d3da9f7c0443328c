// Package onnx holds the ONNX model container used across the harness and its conversion to GoMLX.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file (and any external tensor data next to it) and calls Parse.
//   - Model: object holding information about an ONNX model. It can be saved back (Model.Write), pretty-printed,
//     and (a subset of) its nodes can be converted to a GoMLX computation graph with Model.CallNodes.
//   - Builder: in-process construction of small graphs, the way tests build models to save and reload.
package onnx

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	Proto protos.ModelProto

	// InputsNames and OutputsNames are the graph inputs (excluding initializers) and outputs, in order.
	InputsNames, OutputsNames []string

	// InputsShapes and OutputsShapes are the declared shapes. Dynamic axes are set to -1.
	InputsShapes, OutputsShapes []DynamicShape

	// baseDir is where the model was read from, used to resolve external data.
	baseDir string

	inputsNameSet    sets.Set[string]
	initializers     map[string]*protos.TensorProto
	nodeOutputToNode map[string]*protos.NodeProto

	dtypePromotion DTypePromotionConfig
}

// Parse parses an ONNX model into an internal representation that can be used to build a GoMLX graph.
func Parse(contents []byte) (*Model, error) {
	m := &Model{}
	err := protos.Unmarshal(contents, &m.Proto)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model proto")
	}
	if err = m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromProto wraps an existing ModelProto (it is not copied) into a Model.
func FromProto(proto *protos.ModelProto) (*Model, error) {
	if proto == nil {
		return nil, errors.New("nil ModelProto")
	}
	m := &Model{Proto: *proto}
	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadFile parses an ONNX model file into an internal representation that can be used to build a GoMLX graph.
// Tensors stored as external data are loaded from files relative to the model directory.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	m, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "model file %s", filePath)
	}
	m.baseDir = filepath.Dir(filePath)
	if err = m.loadExternalData(); err != nil {
		return nil, errors.WithMessagef(err, "model file %s", filePath)
	}
	return m, nil
}

// Bytes serializes the model to the ONNX binary format.
func (m *Model) Bytes() ([]byte, error) {
	return protos.Marshal(&m.Proto)
}

// Write saves the model to filePath in the ONNX binary format.
func (m *Model) Write(filePath string) error {
	content, err := m.Bytes()
	if err != nil {
		return err
	}
	if err = os.WriteFile(filePath, content, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write ONNX model to %s", filePath)
	}
	return nil
}

// Graph returns the main graph of the model.
func (m *Model) Graph() *protos.GraphProto {
	return m.Proto.Graph
}

// OpsetVersion returns the imported version for the given domain, or 0 if not imported.
// Both "" and "ai.onnx" refer to the default domain.
func (m *Model) OpsetVersion(domain string) int64 {
	if domain == "ai.onnx" {
		domain = ""
	}
	for _, opset := range m.Proto.OpsetImport {
		d := opset.GetDomain()
		if d == "ai.onnx" {
			d = ""
		}
		if d == domain {
			return opset.GetVersion()
		}
	}
	return 0
}

// Initializer returns the initializer with the given name, or nil.
func (m *Model) Initializer(name string) *protos.TensorProto {
	return m.initializers[name]
}

// AllowDTypePromotion enables automatic promotion of mismatched dtypes in binary operations.
func (m *Model) AllowDTypePromotion() *Model {
	m.dtypePromotion.AllowPromotion = true
	return m
}

// index (re-)builds the derived fields of the model from the proto. Call it after modifying the graph.
func (m *Model) index() error {
	graph := m.Proto.Graph
	if graph == nil {
		return errors.New("ONNX model has no graph")
	}
	m.initializers = make(map[string]*protos.TensorProto, len(graph.Initializer))
	for _, t := range graph.Initializer {
		m.initializers[t.Name] = t
	}
	m.nodeOutputToNode = make(map[string]*protos.NodeProto)
	for _, node := range graph.Node {
		for _, output := range node.Output {
			if output == "" {
				continue
			}
			m.nodeOutputToNode[output] = node
		}
	}

	m.InputsNames = m.InputsNames[:0]
	m.InputsShapes = m.InputsShapes[:0]
	m.inputsNameSet = sets.Make[string]()
	for ii, input := range graph.Input {
		if _, isInitializer := m.initializers[input.Name]; isInitializer {
			// Older IR versions list initializers as inputs too.
			continue
		}
		name := input.Name
		if name == "" {
			name = fmt.Sprintf("#%d", ii)
		}
		shape, err := makeDynamicShapeFromProto(input)
		if err != nil {
			return errors.WithMessagef(err, "while parsing input %q", name)
		}
		m.InputsNames = append(m.InputsNames, name)
		m.InputsShapes = append(m.InputsShapes, shape)
		m.inputsNameSet.Insert(name)
	}
	m.OutputsNames = m.OutputsNames[:0]
	m.OutputsShapes = m.OutputsShapes[:0]
	for _, output := range graph.Output {
		m.OutputsNames = append(m.OutputsNames, output.Name)
		// Outputs may come without a type: in which case an unknown shape is used.
		shape, err := makeDynamicShapeFromProto(output)
		if err != nil {
			shape = DynamicShape{}
		}
		m.OutputsShapes = append(m.OutputsShapes, shape)
	}
	return nil
}

// Reindex must be called after the graph proto is changed in place (e.g. after shape inference).
func (m *Model) Reindex() error {
	return m.index()
}

// loadExternalData reads tensors stored in external files into their RawData.
func (m *Model) loadExternalData() error {
	var reader *ExternalDataReader
	defer func() {
		if reader != nil {
			_ = reader.Close()
		}
	}()
	for _, tensorProto := range m.Proto.Graph.Initializer {
		if tensorProto.DataLocation != protos.TensorProto_EXTERNAL {
			continue
		}
		if reader == nil {
			reader = NewExternalDataReader(m.baseDir)
		}
		if err := loadExternalTensor(reader, tensorProto); err != nil {
			return err
		}
	}
	return nil
}
