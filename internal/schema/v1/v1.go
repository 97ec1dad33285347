// Package v1 is the legacy wire-schema major, kept so runners built against
// it keep working. Compared to major 2 it has no tensor strides, no nested
// tensors, and only the read-only filesystem set. Layout is frozen.
package v1

import (
	"sort"

	"carton/internal/codec"
	"carton/internal/protocol"
	"carton/pkg/types"
)

// Major is the interface version this leaf implements.
const Major = uint64(1)

const (
	tagLoad             = 1
	tagPack             = 2
	tagSeal             = 3
	tagInferWithTensors = 4
	tagInferWithHandle  = 5
	tagShutdown         = 6

	tagFsRead     = 16
	tagFsReadDir  = 17
	tagFsOpen     = 18
	tagFsReadAt   = 19
	tagFsClose    = 20
	tagFsMetadata = 21

	tagLoadResp       = 64
	tagPackResp       = 65
	tagSealResp       = 66
	tagInferResp      = 67
	tagShutdownResp   = 68
	tagFsReadResp     = 69
	tagFsReadDirResp  = 70
	tagFsOpenResp     = 71
	tagFsOkResp       = 72
	tagFsMetadataResp = 73
	tagErrorResp      = 127
)

// Codec implements the schema for major 1.
type Codec struct{}

func (Codec) Version() uint64 { return Major }

// Encode serializes an envelope to a frame payload. Bodies that did not
// exist in this major (writable fs set) and tensors this major cannot carry
// (strided or nested) fail with DecodeError.
func (Codec) Encode(env protocol.Envelope) ([]byte, error) {
	var w codec.Writer
	w.U64(env.ID)
	switch b := env.Body.(type) {
	case *protocol.LoadRequest:
		w.U8(tagLoad)
		w.U64(b.FsToken)
		encodeOpts(&w, b.RunnerOpts)
		w.U8(uint8(b.VisibleDevice.Kind))
		w.String(b.VisibleDevice.UUID)
		w.String(b.OverrideRunnerName)
		w.String(b.OverrideRequiredFrameworkVersion)
	case *protocol.PackRequest:
		w.U8(tagPack)
		w.U64(b.FsToken)
		w.String(b.InputPath)
		w.String(b.TempFolder)
	case *protocol.SealRequest:
		w.U8(tagSeal)
		if err := encodeTensorMap(&w, b.Tensors); err != nil {
			return nil, err
		}
	case *protocol.InferWithTensorsRequest:
		w.U8(tagInferWithTensors)
		if err := encodeTensorMap(&w, b.Tensors); err != nil {
			return nil, err
		}
	case *protocol.InferWithHandleRequest:
		w.U8(tagInferWithHandle)
		w.U64(b.Handle)
	case *protocol.ShutdownRequest:
		w.U8(tagShutdown)
	case *protocol.FsReadRequest:
		w.U8(tagFsRead)
		w.U64(b.Token)
		w.String(b.Path)
	case *protocol.FsReadDirRequest:
		w.U8(tagFsReadDir)
		w.U64(b.Token)
		w.String(b.Path)
	case *protocol.FsOpenRequest:
		if b.Write {
			return nil, types.Errorf(types.ErrPermissionDenied, "schema major 1 has no writable filesystem")
		}
		w.U8(tagFsOpen)
		w.U64(b.Token)
		w.String(b.Path)
	case *protocol.FsReadAtRequest:
		w.U8(tagFsReadAt)
		w.U64(b.Token)
		w.U64(b.Handle)
		w.U64(b.Offset)
		w.U64(b.Len)
	case *protocol.FsCloseRequest:
		w.U8(tagFsClose)
		w.U64(b.Token)
		w.U64(b.Handle)
	case *protocol.FsMetadataRequest:
		w.U8(tagFsMetadata)
		w.U64(b.Token)
		w.String(b.Path)
	case *protocol.LoadResponse:
		w.U8(tagLoadResp)
		encodeModelInfo(&w, b.Info)
	case *protocol.PackResponse:
		w.U8(tagPackResp)
		w.String(b.OutputPath)
	case *protocol.SealResponse:
		w.U8(tagSealResp)
		w.U64(b.Handle)
	case *protocol.InferResponse:
		w.U8(tagInferResp)
		if err := encodeTensorMap(&w, b.Tensors); err != nil {
			return nil, err
		}
	case *protocol.ShutdownResponse:
		w.U8(tagShutdownResp)
	case *protocol.FsReadResponse:
		w.U8(tagFsReadResp)
		w.Bytes64(b.Data)
	case *protocol.FsReadDirResponse:
		w.U8(tagFsReadDirResp)
		w.U64(uint64(len(b.Entries)))
		for _, e := range b.Entries {
			w.String(e.Name)
			w.Bool(e.Dir)
		}
	case *protocol.FsOpenResponse:
		w.U8(tagFsOpenResp)
		w.U64(b.Handle)
	case *protocol.FsOkResponse:
		w.U8(tagFsOkResp)
	case *protocol.FsMetadataResponse:
		w.U8(tagFsMetadataResp)
		w.U64(b.Meta.Size)
		w.Bool(b.Meta.Dir)
		w.Bool(b.Meta.Symlink)
	case *protocol.ErrorResponse:
		w.U8(tagErrorResp)
		w.U8(uint8(b.Kind))
		w.String(b.Message)
	default:
		return nil, types.Errorf(types.ErrDecode, "body %T not present in schema major 1", env.Body)
	}
	return w.Bytes(), nil
}

// Decode parses a frame payload back into an envelope.
func (Codec) Decode(payload []byte) (protocol.Envelope, error) {
	r := codec.NewReader(payload)
	env := protocol.Envelope{ID: r.U64()}
	tag := r.U8()
	switch tag {
	case tagLoad:
		b := &protocol.LoadRequest{FsToken: r.U64()}
		b.RunnerOpts = decodeOpts(r)
		b.VisibleDevice = types.Device{Kind: types.DeviceKind(r.U8()), UUID: r.String()}
		b.OverrideRunnerName = r.String()
		b.OverrideRequiredFrameworkVersion = r.String()
		env.Body = b
	case tagPack:
		env.Body = &protocol.PackRequest{FsToken: r.U64(), InputPath: r.String(), TempFolder: r.String()}
	case tagSeal:
		env.Body = &protocol.SealRequest{Tensors: decodeTensorMap(r)}
	case tagInferWithTensors:
		env.Body = &protocol.InferWithTensorsRequest{Tensors: decodeTensorMap(r)}
	case tagInferWithHandle:
		env.Body = &protocol.InferWithHandleRequest{Handle: r.U64()}
	case tagShutdown:
		env.Body = &protocol.ShutdownRequest{}
	case tagFsRead:
		env.Body = &protocol.FsReadRequest{Token: r.U64(), Path: r.String()}
	case tagFsReadDir:
		env.Body = &protocol.FsReadDirRequest{Token: r.U64(), Path: r.String()}
	case tagFsOpen:
		env.Body = &protocol.FsOpenRequest{Token: r.U64(), Path: r.String()}
	case tagFsReadAt:
		env.Body = &protocol.FsReadAtRequest{Token: r.U64(), Handle: r.U64(), Offset: r.U64(), Len: r.U64()}
	case tagFsClose:
		env.Body = &protocol.FsCloseRequest{Token: r.U64(), Handle: r.U64()}
	case tagFsMetadata:
		env.Body = &protocol.FsMetadataRequest{Token: r.U64(), Path: r.String()}
	case tagLoadResp:
		env.Body = &protocol.LoadResponse{Info: decodeModelInfo(r)}
	case tagPackResp:
		env.Body = &protocol.PackResponse{OutputPath: r.String()}
	case tagSealResp:
		env.Body = &protocol.SealResponse{Handle: r.U64()}
	case tagInferResp:
		env.Body = &protocol.InferResponse{Tensors: decodeTensorMap(r)}
	case tagShutdownResp:
		env.Body = &protocol.ShutdownResponse{}
	case tagFsReadResp:
		env.Body = &protocol.FsReadResponse{Data: copyBytes(r.Bytes64())}
	case tagFsReadDirResp:
		n := r.U64()
		b := &protocol.FsReadDirResponse{}
		for i := uint64(0); i < n && r.Err() == nil; i++ {
			b.Entries = append(b.Entries, protocol.DirEntry{Name: r.String(), Dir: r.Bool()})
		}
		env.Body = b
	case tagFsOpenResp:
		env.Body = &protocol.FsOpenResponse{Handle: r.U64()}
	case tagFsOkResp:
		env.Body = &protocol.FsOkResponse{}
	case tagFsMetadataResp:
		env.Body = &protocol.FsMetadataResponse{Meta: protocol.FileMeta{Size: r.U64(), Dir: r.Bool(), Symlink: r.Bool()}}
	case tagErrorResp:
		env.Body = &protocol.ErrorResponse{Kind: types.ErrKind(r.U8()), Message: r.String()}
	default:
		return env, types.Errorf(types.ErrDecode, "unknown message tag %d", tag)
	}
	if err := r.Done(); err != nil {
		return env, err
	}
	return env, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func encodeTensor(w *codec.Writer, t types.Tensor) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Strides != nil {
		return types.Errorf(types.ErrDecode, "schema major 1 cannot carry strided tensors")
	}
	if t.DType == types.DTypeNested {
		return types.Errorf(types.ErrDecode, "schema major 1 cannot carry nested tensors")
	}
	w.U8(uint8(t.DType))
	w.U64Slice(t.Shape)
	if t.DType == types.DTypeString {
		w.U64(uint64(len(t.Strings)))
		for _, s := range t.Strings {
			w.String(s)
		}
		return nil
	}
	w.Bytes64(t.Data.Bytes())
	return nil
}

func decodeTensor(r *codec.Reader) types.Tensor {
	t := types.Tensor{DType: types.DType(r.U8())}
	t.Shape = r.U64Slice()
	if t.DType == types.DTypeString {
		n := r.U64()
		for i := uint64(0); i < n && r.Err() == nil; i++ {
			t.Strings = append(t.Strings, r.String())
		}
		return t
	}
	t.Data = types.OwnedBuffer(copyBytes(r.Bytes64()))
	return t
}

func encodeTensorMap(w *codec.Writer, m map[string]types.Tensor) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.U64(uint64(len(keys)))
	for _, k := range keys {
		w.String(k)
		if err := encodeTensor(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func decodeTensorMap(r *codec.Reader) map[string]types.Tensor {
	n := r.U64()
	m := make(map[string]types.Tensor, n)
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		k := r.String()
		m[k] = decodeTensor(r)
	}
	return m
}

func encodeOpts(w *codec.Writer, m map[string]types.Opt) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.U64(uint64(len(keys)))
	for _, k := range keys {
		w.String(k)
		o := m[k]
		w.U8(uint8(o.Kind))
		switch o.Kind {
		case types.OptInt:
			w.I64(o.Int)
		case types.OptFloat:
			w.F64(o.Float)
		case types.OptString:
			w.String(o.Str)
		case types.OptBool:
			w.Bool(o.Bool)
		}
	}
}

func decodeOpts(r *codec.Reader) map[string]types.Opt {
	n := r.U64()
	m := make(map[string]types.Opt, n)
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		k := r.String()
		o := types.Opt{Kind: types.OptKind(r.U8())}
		switch o.Kind {
		case types.OptInt:
			o.Int = r.I64()
		case types.OptFloat:
			o.Float = r.F64()
		case types.OptString:
			o.Str = r.String()
		case types.OptBool:
			o.Bool = r.Bool()
		}
		m[k] = o
	}
	return m
}

func encodeModelInfo(w *codec.Writer, info types.ModelInfo) {
	w.String(info.Name)
	w.String(info.Runner)
	encodeSpecs(w, info.Inputs)
	encodeSpecs(w, info.Outputs)
}

func decodeModelInfo(r *codec.Reader) types.ModelInfo {
	return types.ModelInfo{
		Name:    r.String(),
		Runner:  r.String(),
		Inputs:  decodeSpecs(r),
		Outputs: decodeSpecs(r),
	}
}

func encodeSpecs(w *codec.Writer, specs []types.TensorSpec) {
	w.U64(uint64(len(specs)))
	for _, s := range specs {
		w.String(s.Name)
		w.U8(uint8(s.DType))
		w.I64Slice(s.Shape)
	}
}

func decodeSpecs(r *codec.Reader) []types.TensorSpec {
	n := r.U64()
	var specs []types.TensorSpec
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		specs = append(specs, types.TensorSpec{Name: r.String(), DType: types.DType(r.U8()), Shape: r.I64Slice()})
	}
	return specs
}
