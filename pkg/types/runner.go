package types

import "time"

// RunnerInfo is one discovered runner variant. Immutable once read into the
// catalogue.
type RunnerInfo struct {
	Name             string
	FrameworkVersion string
	CompatVersion    uint64
	InterfaceVersion uint64
	ReleaseDate      time.Time
	ExecutablePath   string
	Platform         string
}

// TensorSpec describes one model input or output. A -1 dimension is dynamic.
type TensorSpec struct {
	Name  string
	DType DType
	Shape []int64
}

// ModelInfo is what a successful Load reports back.
type ModelInfo struct {
	Name    string
	Runner  string
	Inputs  []TensorSpec
	Outputs []TensorSpec
}
