package ep

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelDef describes one kernel implemented by a provider: an operator version range and the
// element types it accepts for each type constraint.
//
// Its Hash must stay stable for serialized models referencing kernels to remain loadable: when adding
// types to an existing kernel, list the original ones in HashTypeConstraints.
type KernelDef struct {
	Provider     string
	Domain       string
	OpType       string
	SinceVersion int64

	// EndVersion is inclusive; 0 means open-ended.
	EndVersion int64

	// TypeConstraints maps a constraint name (e.g. "T") to the supported element types (e.g. "float").
	TypeConstraints map[string][]string

	// HashTypeConstraints, if set, replaces TypeConstraints in the hash computation.
	HashTypeConstraints map[string][]string
}

// Key identifies the kernel in a hash listing: "<OpType> <domain> <Provider>".
func (k KernelDef) Key() string {
	domain := k.Domain
	if domain == "" {
		domain = "ai.onnx"
	}
	return fmt.Sprintf("%s %s %s", k.OpType, domain, k.Provider)
}

// canonical returns the string hashed by Hash.
func (k KernelDef) canonical() string {
	constraints := k.TypeConstraints
	if k.HashTypeConstraints != nil {
		constraints = k.HashTypeConstraints
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%d|%d", k.Key(), k.SinceVersion, k.EndVersion)
	for _, name := range slices.Sorted(maps.Keys(constraints)) {
		types := slices.Clone(constraints[name])
		slices.Sort(types)
		fmt.Fprintf(&sb, "|%s=%s", name, strings.Join(types, ","))
	}
	return sb.String()
}

// Hash returns the xxhash64 of the canonical representation of the kernel definition.
func (k KernelDef) Hash() uint64 {
	return xxhash.Sum64String(k.canonical())
}

// KernelDefHash is a kernel key and its hash. In JSON it is a 2 elements array.
type KernelDefHash struct {
	Key  string
	Hash uint64
}

// MarshalJSON implements json.Marshaler.
func (h KernelDefHash) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{h.Key, h.Hash})
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *KernelDefHash) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.Errorf("kernel def hash must be a [key, hash] pair, got %s", data)
	}
	if err := json.Unmarshal(pair[0], &h.Key); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &h.Hash)
}

func compareKernelDefHashes(a, b KernelDefHash) int {
	return cmp.Or(cmp.Compare(a.Key, b.Key), cmp.Compare(a.Hash, b.Hash))
}

// HashKernelDefs returns the sorted hashes of the kernel definitions.
func HashKernelDefs(defs []KernelDef) []KernelDefHash {
	hashes := make([]KernelDefHash, len(defs))
	for ii, def := range defs {
		hashes[ii] = KernelDefHash{Key: def.Key(), Hash: def.Hash()}
	}
	slices.SortFunc(hashes, compareKernelDefHashes)
	return hashes
}

// CheckKernelDefHashes compares the actual hashes of a provider with the expected ones.
//
// It returns the expected entries not found in actual (changed or removed kernels, which break
// compatibility) and the actual entries not in expected (new kernels: the expected listing
// should be updated). Extra entries are logged as a warning.
func CheckKernelDefHashes(actual, expected []KernelDefHash) (missing, extra []KernelDefHash) {
	actual = slices.Clone(actual)
	expected = slices.Clone(expected)
	slices.SortFunc(actual, compareKernelDefHashes)
	slices.SortFunc(expected, compareKernelDefHashes)

	ii, jj := 0, 0
	for ii < len(expected) || jj < len(actual) {
		switch {
		case jj >= len(actual):
			missing = append(missing, expected[ii])
			ii++
		case ii >= len(expected):
			extra = append(extra, actual[jj])
			jj++
		default:
			switch c := compareKernelDefHashes(expected[ii], actual[jj]); {
			case c == 0:
				ii++
				jj++
			case c < 0:
				missing = append(missing, expected[ii])
				ii++
			default:
				extra = append(extra, actual[jj])
				jj++
			}
		}
	}
	if len(extra) > 0 {
		listing, _ := json.MarshalIndent(extra, "", "    ")
		klog.Warningf("Extra actual kernel def hashes were found, please update the expected values as needed:\n%s", listing)
	}
	return
}

// LoadKernelDefHashes reads a JSON listing of [key, hash] pairs.
func LoadKernelDefHashes(filePath string) ([]KernelDefHash, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read kernel def hashes from %s", filePath)
	}
	var hashes []KernelDefHash
	if err := json.Unmarshal(contents, &hashes); err != nil {
		return nil, errors.Wrapf(err, "failed to parse kernel def hashes from %s", filePath)
	}
	slices.SortFunc(hashes, compareKernelDefHashes)
	return hashes, nil
}

// WriteKernelDefHashes writes the hashes, sorted, as a JSON listing of [key, hash] pairs.
func WriteKernelDefHashes(filePath string, hashes []KernelDefHash) error {
	hashes = slices.Clone(hashes)
	slices.SortFunc(hashes, compareKernelDefHashes)
	contents, err := json.MarshalIndent(hashes, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to encode kernel def hashes")
	}
	contents = append(contents, '\n')
	if err := os.WriteFile(filePath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write kernel def hashes to %s", filePath)
	}
	return nil
}
