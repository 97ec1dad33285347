package schema

import (
	"testing"

	"carton/internal/protocol"
	v1 "carton/internal/schema/v1"
	v2 "carton/internal/schema/v2"
	"carton/pkg/types"
)

func TestFor_SupportedAndNot(t *testing.T) {
	for _, major := range SupportedMajors() {
		c, err := For(major)
		if err != nil {
			t.Fatalf("major %d: %v", major, err)
		}
		if c.Version() != major {
			t.Fatalf("codec for %d reports %d", major, c.Version())
		}
	}
	if _, err := For(999); !types.IsInterfaceMismatch(err) {
		t.Fatalf("expected InterfaceMismatch for major 999, got %v", err)
	}
}

func TestHello_RoundTrip(t *testing.T) {
	h, err := DecodeHello(EncodeHello(protocol.Hello{InterfaceVersion: 2}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.InterfaceVersion != 2 {
		t.Fatalf("version: %d", h.InterfaceVersion)
	}
	if _, err := DecodeHello([]byte{1, 2, 3}); !types.IsDecodeError(err) {
		t.Fatalf("short hello: %v", err)
	}
}

func roundTrip(t *testing.T, c Codec, env protocol.Envelope) protocol.Envelope {
	t.Helper()
	payload, err := c.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := c.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != env.ID {
		t.Fatalf("id: got %d want %d", got.ID, env.ID)
	}
	return got
}

func tensorFixtures(t *testing.T) map[string]types.Tensor {
	t.Helper()
	return map[string]types.Tensor{
		"f32":  types.Float32Tensor([]uint64{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		"f64":  types.Float64Tensor([]uint64{4}, []float64{-1.5, 0, 1.5, 3e300}),
		"i64":  types.Int64Tensor([]uint64{2, 2}, []int64{-9, 0, 9, 1 << 40}),
		"u8":   types.Uint8Tensor([]uint64{5}, []byte{0, 1, 2, 254, 255}),
		"zero": types.Float32Tensor(nil, []float32{42}),
		"str":  types.StringTensor([]uint64{2}, []string{"héllo", ""}),
	}
}

func TestV2_EnvelopeRoundTrips(t *testing.T) {
	c := v2.Codec{}
	tensors := tensorFixtures(t)
	strided := types.Tensor{
		DType:   types.DTypeFloat32,
		Shape:   []uint64{2, 2},
		Strides: []int64{1, 2}, // column-major
		Data:    types.OwnedBuffer(make([]byte, 16)),
	}
	tensors["strided"] = strided
	tensors["nested"] = types.NestedTensor([]types.Tensor{
		types.Int64Tensor([]uint64{1}, []int64{7}),
		types.StringTensor([]uint64{1}, []string{"mixed dtypes allowed"}),
	})

	got := roundTrip(t, c, protocol.Envelope{ID: 7, Body: &protocol.SealRequest{Tensors: tensors}})
	seal, ok := got.Body.(*protocol.SealRequest)
	if !ok {
		t.Fatalf("wrong body type %T", got.Body)
	}
	for name, want := range tensors {
		if !seal.Tensors[name].Equal(want) {
			t.Fatalf("tensor %q changed across the wire", name)
		}
	}

	load := &protocol.LoadRequest{
		FsToken: 3,
		RunnerOpts: map[string]types.Opt{
			"threads": types.IntOpt(8),
			"temp":    types.FloatOpt(0.5),
			"variant": types.StringOpt("fp16"),
			"mmap":    types.BoolOpt(true),
		},
		VisibleDevice:      types.Device{Kind: types.DeviceGPU, UUID: "GPU-1b02c83a-5a4e-46fc-94f0-2b52ff1b9b1c"},
		OverrideRunnerName: "torch",
	}
	got = roundTrip(t, c, protocol.Envelope{ID: 8, Body: load})
	l := got.Body.(*protocol.LoadRequest)
	if l.FsToken != 3 || l.VisibleDevice.UUID != load.VisibleDevice.UUID || l.RunnerOpts["threads"].Int != 8 || !l.RunnerOpts["mmap"].Bool {
		t.Fatalf("load request changed: %+v", l)
	}

	info := types.ModelInfo{
		Name:   "resnet",
		Runner: "torch",
		Inputs: []types.TensorSpec{{Name: "x", DType: types.DTypeFloat32, Shape: []int64{-1, 3, 224, 224}}},
		Outputs: []types.TensorSpec{
			{Name: "y", DType: types.DTypeFloat32, Shape: []int64{-1, 1000}},
		},
	}
	got = roundTrip(t, c, protocol.Envelope{ID: 9, Body: &protocol.LoadResponse{Info: info}})
	if gi := got.Body.(*protocol.LoadResponse).Info; gi.Name != "resnet" || len(gi.Inputs) != 1 || gi.Inputs[0].Shape[0] != -1 {
		t.Fatalf("model info changed: %+v", gi)
	}

	got = roundTrip(t, c, protocol.Envelope{ID: 10, Body: &protocol.ErrorResponse{Kind: types.ErrUnknownHandle, Message: "handle 5"}})
	if e := got.Body.(*protocol.ErrorResponse); e.Kind != types.ErrUnknownHandle {
		t.Fatalf("error kind changed: %v", e.Kind)
	}
}

func TestV2_FsRoundTrips(t *testing.T) {
	c := v2.Codec{}
	cases := []protocol.Body{
		&protocol.FsReadRequest{Token: 1, Path: "model.bin"},
		&protocol.FsReadDirRequest{Token: 1, Path: "weights"},
		&protocol.FsOpenRequest{Token: 1, Path: "big.bin", Write: true},
		&protocol.FsReadAtRequest{Token: 1, Handle: 4, Offset: 1024, Len: 4096},
		&protocol.FsWriteRequest{Token: 1, Path: "out", Data: []byte{1, 2}},
		&protocol.FsWriteAtRequest{Token: 1, Handle: 4, Offset: 8, Data: []byte{3}},
		&protocol.FsSymlinkRequest{Token: 1, Src: "a", Dst: "b"},
		&protocol.FsRemoveRequest{Token: 1, Path: "tmp"},
		&protocol.FsMetadataRequest{Token: 1, Path: "model.bin"},
		&protocol.FsCloseRequest{Token: 1, Handle: 4},
		&protocol.FsReadResponse{Data: []byte{5, 6, 7}},
		&protocol.FsReadDirResponse{Entries: []protocol.DirEntry{{Name: "a", Dir: true}, {Name: "b"}}},
		&protocol.FsOpenResponse{Handle: 4},
		&protocol.FsOkResponse{},
		&protocol.FsMetadataResponse{Meta: protocol.FileMeta{Size: 123, Dir: false, Symlink: true}},
	}
	for i, body := range cases {
		got := roundTrip(t, c, protocol.Envelope{ID: uint64(i), Body: body})
		if _, ok := got.Body.(protocol.Body); !ok {
			t.Fatalf("case %d lost body", i)
		}
	}
}

func TestV1_LegacyLimits(t *testing.T) {
	c := v1.Codec{}
	// plain tensors still round-trip
	got := roundTrip(t, c, protocol.Envelope{ID: 1, Body: &protocol.SealRequest{Tensors: tensorFixtures(t)}})
	seal := got.Body.(*protocol.SealRequest)
	for name, want := range tensorFixtures(t) {
		if !seal.Tensors[name].Equal(want) {
			t.Fatalf("tensor %q changed across the wire", name)
		}
	}
	// strided tensors cannot be carried
	strided := types.Tensor{
		DType:   types.DTypeFloat32,
		Shape:   []uint64{2},
		Strides: []int64{2},
		Data:    types.OwnedBuffer(make([]byte, 16)),
	}
	_, err := c.Encode(protocol.Envelope{ID: 2, Body: &protocol.SealRequest{Tensors: map[string]types.Tensor{"s": strided}}})
	if !types.IsDecodeError(err) {
		t.Fatalf("expected encode refusal for strided tensor, got %v", err)
	}
	// nested tensors cannot be carried
	nested := types.NestedTensor([]types.Tensor{types.Int64Tensor([]uint64{1}, []int64{1})})
	_, err = c.Encode(protocol.Envelope{ID: 3, Body: &protocol.SealRequest{Tensors: map[string]types.Tensor{"n": nested}}})
	if !types.IsDecodeError(err) {
		t.Fatalf("expected encode refusal for nested tensor, got %v", err)
	}
	// the writable fs set postdates this major
	_, err = c.Encode(protocol.Envelope{ID: 4, Body: &protocol.FsWriteRequest{Token: 1, Path: "x"}})
	if !types.IsDecodeError(err) {
		t.Fatalf("expected encode refusal for FsWrite, got %v", err)
	}
}

func TestDecode_GarbageIsDecodeError(t *testing.T) {
	for _, c := range []Codec{v1.Codec{}, v2.Codec{}} {
		if _, err := c.Decode([]byte{1, 2, 3}); !types.IsDecodeError(err) {
			t.Fatalf("major %d: expected DecodeError, got %v", c.Version(), err)
		}
		if _, err := c.Decode(append(make([]byte, 8), 0xEE)); !types.IsDecodeError(err) {
			t.Fatalf("major %d: expected DecodeError for unknown tag, got %v", c.Version(), err)
		}
	}
}
