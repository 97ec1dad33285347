package runnerserve

import (
	"context"
	"path"

	"carton/internal/protocol"
	"carton/internal/runnerfs"
	"carton/pkg/types"
)

// NoopBackend is the reference backend: inference echoes its inputs back as
// outputs. It exists for protocol conformance tests and as the template for
// real runner implementations.
type NoopBackend struct{}

// Load walks the package root through the proxy so the whole read path gets
// exercised, and reports the model under the name stored in "model.name"
// when the package carries one.
func (NoopBackend) Load(ctx context.Context, fs *runnerfs.FS, req *protocol.LoadRequest) (types.ModelInfo, error) {
	if _, err := fs.ReadDir(ctx, "."); err != nil {
		return types.ModelInfo{}, err
	}
	name := "noop"
	if data, err := fs.ReadFile(ctx, "model.name"); err == nil && len(data) > 0 {
		name = string(data)
	} else if err != nil && !types.IsNotFound(err) {
		return types.ModelInfo{}, err
	}
	return types.ModelInfo{Name: name, Runner: "noop"}, nil
}

// Pack copies the input file into the temp folder unchanged; a no-op
// package is its own content.
func (NoopBackend) Pack(ctx context.Context, fs *runnerfs.FS, req *protocol.PackRequest) (string, error) {
	data, err := fs.ReadFile(ctx, req.InputPath)
	if err != nil {
		return "", err
	}
	out := path.Join(req.TempFolder, path.Base(req.InputPath)+".carton")
	if err := fs.WriteFile(ctx, out, data); err != nil {
		return "", err
	}
	return out, nil
}

// Infer returns the inputs as the outputs.
func (NoopBackend) Infer(_ context.Context, tensors map[string]types.Tensor) (map[string]types.Tensor, error) {
	return tensors, nil
}
