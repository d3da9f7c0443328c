package coreml

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Flags configure the CoreML provider. They are a bitmask, and each flag is independent of the others.
type Flags uint32

const (
	// FlagUseNone is the default: float32 computation, channels-last layout, CPU fallback allowed.
	FlagUseNone Flags = 0

	// FlagUseFP16 allows computation in float16, and float16 tensors to be claimed.
	FlagUseFP16 Flags = 1 << (iota - 1)

	// FlagUseNCHW keeps the ONNX channels-first layout for image ops instead of converting to channels-last.
	FlagUseNCHW

	// FlagCPUDisabled disables the fallback to the CPU provider: nodes not claimed by the
	// CoreML provider make the session initialization fail.
	FlagCPUDisabled

	// FlagCPUOnly restricts execution to the CPU emulation of the CoreML device.
	FlagCPUOnly
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagUseFP16, "USE_FP16"},
	{FlagUseNCHW, "USE_NCHW"},
	{FlagCPUDisabled, "CPU_DISABLED"},
	{FlagCPUOnly, "CPU_ONLY"},
}

// Has returns whether all the bits of flag are set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// String implements fmt.Stringer, e.g. "USE_FP16|CPU_DISABLED".
func (f Flags) String() string {
	if f == FlagUseNone {
		return "USE_NONE"
	}
	var parts []string
	remaining := f
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
			remaining &^= fn.flag
		}
	}
	if remaining != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", uint32(remaining)))
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses the format returned by Flags.String. Names are case-insensitive, and
// "FLAG_" prefixes are accepted.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(part)), "FLAG_")
		if part == "" || part == "USE_NONE" {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == part {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("unknown CoreML provider flag %q", part)
		}
	}
	return f, nil
}
