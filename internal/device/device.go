// Package device parses the visible_device load option. Recognized forms:
// "cpu", a non-negative device index, or a UUID string prefixed "GPU-" or
// "MIG-GPU-". Index lookup goes through nvidia-smi when present; a machine
// without it quietly degrades to CPU.
package device

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"carton/pkg/types"
)

// Lookup resolves a device index to its "GPU-<uuid>" string. Returning
// ok=false means no device with that index is visible.
type Lookup func(index int) (string, bool)

// Parse turns a visible_device string into a Device. lookup may be nil, in
// which case NvidiaSMILookup is used.
func Parse(s string, lookup Lookup) (types.Device, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "cpu") {
		return types.Device{Kind: types.DeviceCPU}, nil
	}
	if strings.HasPrefix(s, "GPU-") || strings.HasPrefix(s, "MIG-GPU-") {
		raw := strings.TrimPrefix(strings.TrimPrefix(s, "MIG-GPU-"), "GPU-")
		// MIG instances carry a device suffix after the parent UUID.
		if i := strings.IndexByte(raw, '/'); i >= 0 {
			raw = raw[:i]
		}
		if _, err := uuid.Parse(raw); err != nil {
			return types.Device{}, types.Errorf(types.ErrInvalidDevice, "%q is not a device UUID", s)
		}
		return types.Device{Kind: types.DeviceGPU, UUID: s}, nil
	}
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return types.Device{}, types.Errorf(types.ErrInvalidDevice, "%q is not cpu, an index, or a GPU-/MIG-GPU- UUID", s)
	}
	if lookup == nil {
		lookup = NvidiaSMILookup
	}
	if id, ok := lookup(index); ok {
		return types.Device{Kind: types.DeviceGPU, UUID: id}, nil
	}
	// No CUDA on this host; an index degrades to CPU rather than failing.
	return types.Device{Kind: types.DeviceCPU}, nil
}

// NvidiaSMILookup asks nvidia-smi for the UUID of one device index.
func NvidiaSMILookup(index int) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=uuid", "--format=csv,noheader", "-i", strconv.Itoa(index)).Output()
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(out))
	if !strings.HasPrefix(id, "GPU-") {
		return "", false
	}
	return id, true
}
