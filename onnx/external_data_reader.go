package onnx

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// externalDataInfo is the parsed external_data entries of a TensorProto.
type externalDataInfo struct {
	location string
	offset   int64
	// length is -1 if not given.
	length int64
}

// parseExternalData parses the external_data entries of proto. It returns nil if the tensor has no external data.
func parseExternalData(proto *protos.TensorProto) (*externalDataInfo, error) {
	if len(proto.ExternalData) == 0 {
		return nil, nil
	}
	info := &externalDataInfo{length: -1}
	for _, entry := range proto.ExternalData {
		var err error
		switch entry.Key {
		case "location":
			info.location = entry.Value
		case "offset":
			info.offset, err = strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "tensor %q has invalid offset %q", proto.Name, entry.Value)
			}
		case "length":
			info.length, err = strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "tensor %q has invalid length %q", proto.Name, entry.Value)
			}
		}
	}
	if info.location == "" {
		return nil, errors.Errorf("tensor %q external data is missing required 'location'", proto.Name)
	}
	return info, nil
}

// loadExternalTensor reads the external data of tensorProto into its RawData, and marks it as stored in the model.
func loadExternalTensor(reader *ExternalDataReader, tensorProto *protos.TensorProto) error {
	info, err := parseExternalData(tensorProto)
	if err != nil {
		return err
	}
	if info == nil {
		return errors.Errorf("tensor %q marked as external has no external_data entries", tensorProto.Name)
	}
	shape, err := Shape(tensorProto)
	if err != nil {
		return errors.WithMessagef(err, "while loading external data of tensor %q", tensorProto.Name)
	}
	t := tensors.FromShape(shape)
	defer t.FinalizeAll()
	t.MutableBytes(func(data []byte) {
		err = reader.ReadInto(info, data)
		if err == nil {
			tensorProto.RawData = slices.Clone(data)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "while loading external data of tensor %q", tensorProto.Name)
	}
	tensorProto.ExternalData = nil
	tensorProto.DataLocation = protos.TensorProto_DEFAULT
	return nil
}

// ExternalDataReader manages memory-mapped external data files for tensor loading.
// It caches mmap regions by file path since multiple tensors often share the same external file.
type ExternalDataReader struct {
	baseDir  string
	mappings map[string]*mmapRegion
	mu       sync.Mutex
}

// mmapRegion holds a memory-mapped file region.
type mmapRegion struct {
	reader *mmap.ReaderAt
}

// NewExternalDataReader creates a reader for the given model directory.
// baseDir is the directory containing the ONNX model file, used to resolve external data paths.
func NewExternalDataReader(baseDir string) *ExternalDataReader {
	return &ExternalDataReader{
		baseDir:  baseDir,
		mappings: make(map[string]*mmapRegion),
	}
}

// getOrCreateMapping returns the mmap region for the given file path, creating it if necessary.
func (r *ExternalDataReader) getOrCreateMapping(location string) (*mmapRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if region, ok := r.mappings[location]; ok {
		return region, nil
	}
	externalPath := filepath.Join(r.baseDir, location)
	reader, err := mmap.Open(externalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap external data file %q", externalPath)
	}
	region := &mmapRegion{reader: reader}
	r.mappings[location] = region
	return region, nil
}

// ReadInto reads external data directly into the provided byte slice, whose length must match the
// tensor size.
func (r *ExternalDataReader) ReadInto(info *externalDataInfo, dst []byte) error {
	if r.baseDir == "" {
		return errors.New("base directory is required for reading external data")
	}
	region, err := r.getOrCreateMapping(info.location)
	if err != nil {
		return err
	}

	length := int64(len(dst))
	if info.length > 0 {
		if info.length != int64(len(dst)) {
			return errors.Errorf("external data length %d doesn't match destination size %d", info.length, len(dst))
		}
		length = info.length
	}
	n, err := region.reader.ReadAt(dst, info.offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %d bytes at offset %d from external data file %q",
			length, info.offset, info.location)
	}
	if int64(n) != length {
		return errors.Errorf("read %d bytes but expected %d from external data file %q",
			n, length, info.location)
	}
	return nil
}

// Close unmaps all memory regions and releases resources.
// After Close is called, the reader should not be used.
func (r *ExternalDataReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, region := range r.mappings {
		if err := region.reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close mmap for %q", path)
		}
	}
	r.mappings = nil
	return firstErr
}

// WriteExternalData moves the data of every initializer with at least minBytes of raw data to fileName (relative to
// the directory of the model file), replacing it by external_data references. Used to produce models whose weights
// live beside the model file.
func WriteExternalData(model *protos.ModelProto, modelDir, fileName string, minBytes int) error {
	f, err := os.Create(filepath.Join(modelDir, fileName))
	if err != nil {
		return errors.Wrapf(err, "failed to create external data file %q", fileName)
	}
	defer func() { _ = f.Close() }()
	var offset int64
	for _, t := range model.GetGraph().GetInitializer() {
		if len(t.RawData) < minBytes || len(t.RawData) == 0 {
			continue
		}
		n, err := f.Write(t.RawData)
		if err != nil {
			return errors.Wrapf(err, "failed to write external data for tensor %q", t.Name)
		}
		t.ExternalData = []*protos.StringStringEntryProto{
			{Key: "location", Value: fileName},
			{Key: "offset", Value: strconv.FormatInt(offset, 10)},
			{Key: "length", Value: strconv.Itoa(n)},
		}
		t.DataLocation = protos.TensorProto_EXTERNAL
		t.RawData = nil
		offset += int64(n)
	}
	return errors.Wrapf(f.Sync(), "failed to sync external data file %q", fileName)
}
