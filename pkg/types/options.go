package types

// OptKind tags the scalar variant carried by an Opt.
type OptKind uint8

const (
	OptInt OptKind = iota
	OptFloat
	OptString
	OptBool
)

// Opt is a scalar runner option: one of i64, f64, string, bool.
type Opt struct {
	Kind  OptKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func IntOpt(v int64) Opt     { return Opt{Kind: OptInt, Int: v} }
func FloatOpt(v float64) Opt { return Opt{Kind: OptFloat, Float: v} }
func StringOpt(v string) Opt { return Opt{Kind: OptString, Str: v} }
func BoolOpt(v bool) Opt     { return Opt{Kind: OptBool, Bool: v} }

// DeviceKind distinguishes CPU from a specific GPU.
type DeviceKind uint8

const (
	DeviceCPU DeviceKind = iota
	DeviceGPU
)

// Device is the compute device a load is pinned to. The zero value is CPU.
// GPU devices carry the full UUID string, e.g. "GPU-<uuid>" or
// "MIG-GPU-<uuid>".
type Device struct {
	Kind DeviceKind
	UUID string
}

func (d Device) String() string {
	if d.Kind == DeviceGPU {
		return d.UUID
	}
	return "cpu"
}

// LoadOptions is the per-load tunable set supplied by the host application.
// Zero values mean "unset".
type LoadOptions struct {
	// RunnerName overrides the runner recorded in the package.
	RunnerName string
	// RequiredFrameworkVersion is a semver range, e.g. "=3.*" or ">=2.0.0".
	RequiredFrameworkVersion string
	// RunnerCompatVersion overrides the compat version; 0 means unset.
	RunnerCompatVersion uint64
	// VisibleDevice selects the compute device (default CPU).
	VisibleDevice Device
	// RunnerOpts are passed through to the runner untouched.
	RunnerOpts map[string]Opt
}
