// Package carton loads and runs packaged ML models through out-of-process
// runners. A runner is discovered in the runner directory, spawned, and
// spoken to over a local framed channel; the model package itself is served
// to the runner through the filesystem proxy, so the host keeps control of
// actual storage.
package carton

import (
	"context"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"carton/internal/config"
	"carton/internal/device"
	"carton/internal/discovery"
	"carton/internal/fsproxy"
	"carton/internal/proc"
	"carton/internal/protocol"
	"carton/internal/rpc"
	"carton/internal/schema"
	"carton/pkg/types"
)

// Options tune the host side. Zero values select defaults.
type Options struct {
	// RunnerDir overrides the discovery root (else CARTON_RUNNER_DIR, else
	// the built-in default).
	RunnerDir       string
	SpawnTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxFrameBytes   uint64
	QueueDepth      int
	Logger          zerolog.Logger
}

// OptionsFromConfigFile reads Options from a yaml/json/toml file.
func OptionsFromConfigFile(path string) (Options, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Options{}, err
	}
	return Options{
		RunnerDir:       cfg.RunnerDir,
		SpawnTimeout:    cfg.EffectiveSpawnTimeout(),
		ShutdownTimeout: cfg.EffectiveShutdownTimeout(),
		MaxFrameBytes:   cfg.EffectiveMaxFrameBytes(),
		QueueDepth:      cfg.EffectiveQueueDepth(),
	}, nil
}

// ParseDevice parses a visible_device string: "cpu", a device index, or a
// GPU-/MIG-GPU- UUID.
func ParseDevice(s string) (types.Device, error) { return device.Parse(s, nil) }

// SealHandle is an opaque token for inputs already staged in the runner,
// consumable exactly once.
type SealHandle uint64

// packageMeta is the small descriptor a model package carries at its root.
// Container parsing beyond this lives outside the core.
type packageMeta struct {
	RunnerName               string `toml:"runner_name"`
	RequiredFrameworkVersion string `toml:"required_framework_version"`
}

func readPackageMeta(dir string) (packageMeta, error) {
	var meta packageMeta
	b, err := os.ReadFile(filepath.Join(dir, "carton.toml"))
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, types.WrapError(types.ErrIO, "package descriptor", err)
	}
	if err := toml.Unmarshal(b, &meta); err != nil {
		return meta, types.WrapError(types.ErrDecode, "package descriptor", err)
	}
	return meta, nil
}

// Model is a loaded model bound to a live runner.
type Model struct {
	info    types.ModelInfo
	runner  *proc.Runner
	mounts  *fsproxy.Registry
	fsToken uint64
	log     zerolog.Logger
}

// spawnFor selects a runner for (name, range) and brings it up with the
// mount registry serving its filesystem requests.
func spawnFor(ctx context.Context, name, versionRange string, mounts *fsproxy.Registry, o Options) (*proc.Runner, error) {
	if name == "" {
		return nil, types.Errorf(types.ErrNoRunnerMatches, "no runner named by the package or the load options")
	}
	catalogue, err := discovery.Discover(o.RunnerDir)
	if err != nil {
		return nil, err
	}
	desc, err := discovery.Select(catalogue, discovery.Query{
		Name:         name,
		VersionRange: versionRange,
		Supports:     schema.Supports,
	})
	if err != nil {
		return nil, err
	}
	o.Logger.Info().
		Str("runner", desc.Name).
		Str("framework_version", desc.FrameworkVersion).
		Uint64("interface_version", desc.InterfaceVersion).
		Msg("selected runner")
	return proc.Start(ctx, desc.ExecutablePath, proc.Options{
		SpawnTimeout:    o.SpawnTimeout,
		ShutdownTimeout: o.ShutdownTimeout,
		QueueDepth:      o.QueueDepth,
		MaxFrameBytes:   o.MaxFrameBytes,
		Logger:          o.Logger,
		Handler: rpc.HandlerFunc(func(_ context.Context, req protocol.Request) protocol.Response {
			return mounts.Serve(req)
		}),
	})
}

// Load discovers a runner for the model package at modelPath, spawns it,
// and loads the model through the filesystem proxy.
func Load(ctx context.Context, modelPath string, lo types.LoadOptions, o Options) (*Model, error) {
	meta, err := readPackageMeta(modelPath)
	if err != nil {
		return nil, err
	}
	name := meta.RunnerName
	if lo.RunnerName != "" {
		name = lo.RunnerName
	}
	versionRange := meta.RequiredFrameworkVersion
	if lo.RequiredFrameworkVersion != "" {
		versionRange = lo.RequiredFrameworkVersion
	}

	mounts := fsproxy.NewRegistry(o.MaxFrameBytes, o.Logger)
	token, err := mounts.Bind(modelPath, false, true)
	if err != nil {
		return nil, err
	}
	runner, err := spawnFor(ctx, name, versionRange, mounts, o)
	if err != nil {
		mounts.CloseAll()
		return nil, err
	}

	resp, err := runner.Peer.Call(ctx, &protocol.LoadRequest{
		FsToken:                          token,
		RunnerOpts:                       lo.RunnerOpts,
		VisibleDevice:                    lo.VisibleDevice,
		OverrideRunnerName:               lo.RunnerName,
		OverrideRequiredFrameworkVersion: lo.RequiredFrameworkVersion,
	})
	if err != nil {
		_ = runner.Shutdown(context.Background())
		mounts.CloseAll()
		return nil, err
	}
	loaded, ok := resp.(*protocol.LoadResponse)
	if !ok {
		_ = runner.Shutdown(context.Background())
		mounts.CloseAll()
		return nil, types.Errorf(types.ErrDecode, "unexpected load response %T", resp)
	}
	return &Model{
		info:    loaded.Info,
		runner:  runner,
		mounts:  mounts,
		fsToken: token,
		log:     o.Logger,
	}, nil
}

// Info reports what the runner said at load time.
func (m *Model) Info() types.ModelInfo { return m.info }

// InterfaceVersion is the schema major this model's connection is bound to.
func (m *Model) InterfaceVersion() uint64 { return m.runner.Version() }

// RunnerPid returns the process id of the model's runner.
func (m *Model) RunnerPid() int { return m.runner.Pid() }

// Seal stages named inputs in the runner and returns a handle. The runner
// may start device transfers before inference is ever requested.
func (m *Model) Seal(ctx context.Context, tensors map[string]types.Tensor) (SealHandle, error) {
	for name, tensor := range tensors {
		if err := tensor.Validate(); err != nil {
			return 0, types.WrapError(types.ErrInvalidTensor, name, err)
		}
	}
	resp, err := m.runner.Peer.Call(ctx, &protocol.SealRequest{Tensors: tensors})
	if err != nil {
		return 0, err
	}
	sealed, ok := resp.(*protocol.SealResponse)
	if !ok {
		return 0, types.Errorf(types.ErrDecode, "unexpected seal response %T", resp)
	}
	return SealHandle(sealed.Handle), nil
}

// InferWithHandle consumes a sealed handle exactly once and returns the
// outputs. A second consumption fails with UnknownHandle.
func (m *Model) InferWithHandle(ctx context.Context, h SealHandle) (map[string]types.Tensor, error) {
	resp, err := m.runner.Peer.Call(ctx, &protocol.InferWithHandleRequest{Handle: uint64(h)})
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*protocol.InferResponse)
	if !ok {
		return nil, types.Errorf(types.ErrDecode, "unexpected infer response %T", resp)
	}
	return out.Tensors, nil
}

// Infer is Seal followed by InferWithHandle in a single round trip.
func (m *Model) Infer(ctx context.Context, tensors map[string]types.Tensor) (map[string]types.Tensor, error) {
	for name, tensor := range tensors {
		if err := tensor.Validate(); err != nil {
			return nil, types.WrapError(types.ErrInvalidTensor, name, err)
		}
	}
	resp, err := m.runner.Peer.Call(ctx, &protocol.InferWithTensorsRequest{Tensors: tensors})
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*protocol.InferResponse)
	if !ok {
		return nil, types.Errorf(types.ErrDecode, "unexpected infer response %T", resp)
	}
	return out.Tensors, nil
}

// Close shuts the runner down and releases the mounts. Idempotent; the
// second call is a no-op.
func (m *Model) Close(ctx context.Context) error {
	err := m.runner.Shutdown(ctx)
	m.mounts.CloseAll()
	return err
}

// Pack spawns a runner and asks it to package the model input. rootDir is
// mounted writable for the runner; inputPath and tempFolder are
// '/'-separated paths relative to it. The returned output path is relative
// to rootDir as well.
func Pack(ctx context.Context, rootDir, inputPath, tempFolder string, lo types.LoadOptions, o Options) (string, error) {
	mounts := fsproxy.NewRegistry(o.MaxFrameBytes, o.Logger)
	token, err := mounts.Bind(rootDir, true, true)
	if err != nil {
		return "", err
	}
	runner, err := spawnFor(ctx, lo.RunnerName, lo.RequiredFrameworkVersion, mounts, o)
	if err != nil {
		mounts.CloseAll()
		return "", err
	}
	defer func() {
		_ = runner.Shutdown(context.Background())
		mounts.CloseAll()
	}()

	resp, err := runner.Peer.Call(ctx, &protocol.PackRequest{
		FsToken:    token,
		InputPath:  inputPath,
		TempFolder: tempFolder,
	})
	if err != nil {
		return "", err
	}
	packed, ok := resp.(*protocol.PackResponse)
	if !ok {
		return "", types.Errorf(types.ErrDecode, "unexpected pack response %T", resp)
	}
	return packed.OutputPath, nil
}
