package fsproxy

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"carton/internal/protocol"
	"carton/pkg/types"
)

func newTestRegistry(t *testing.T, writable, seekable bool) (*Registry, uint64, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewRegistry(0, zerolog.Nop())
	token, err := r.Bind(dir, writable, seekable)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(r.CloseAll)
	return r, token, dir
}

func serveOK(t *testing.T, r *Registry, req protocol.Request) protocol.Response {
	t.Helper()
	resp := r.Serve(req)
	if e, ok := resp.(*protocol.ErrorResponse); ok {
		t.Fatalf("unexpected error response: %v", e.Err())
	}
	return resp
}

func serveErr(t *testing.T, r *Registry, req protocol.Request) error {
	t.Helper()
	resp := r.Serve(req)
	e, ok := resp.(*protocol.ErrorResponse)
	if !ok {
		t.Fatalf("expected error response, got %T", resp)
	}
	return e.Err()
}

func TestRead_ExactBytesAndNotFound(t *testing.T) {
	r, token, dir := newTestRegistry(t, false, false)
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	if err := os.WriteFile(filepath.Join(dir, "model.bin"), want, 0o644); err != nil {
		t.Fatal(err)
	}
	resp := serveOK(t, r, &protocol.FsReadRequest{Token: token, Path: "model.bin"})
	if got := resp.(*protocol.FsReadResponse).Data; !bytes.Equal(got, want) {
		t.Fatalf("read returned %v, want %v", got, want)
	}
	if err := serveErr(t, r, &protocol.FsReadRequest{Token: token, Path: "missing"}); !types.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReadDir_SortedListing(t *testing.T) {
	r, token, dir := newTestRegistry(t, false, false)
	if err := os.Mkdir(filepath.Join(dir, "weights"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.bin", "a.bin"} {
		if err := os.WriteFile(filepath.Join(dir, "weights", name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	resp := serveOK(t, r, &protocol.FsReadDirRequest{Token: token, Path: "weights"})
	entries := resp.(*protocol.FsReadDirResponse).Entries
	if len(entries) != 2 || entries[0].Name != "a.bin" || entries[1].Name != "b.bin" {
		t.Fatalf("listing: %+v", entries)
	}
}

func TestReadAt_CappedToFrameLimit(t *testing.T) {
	dir := t.TempDir()
	// A frame limit this small leaves a 10-byte read cap.
	r := NewRegistry(frameOverhead+10, zerolog.Nop())
	token, err := r.Bind(dir, false, true)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(r.CloseAll)

	content := []byte("0123456789abcdefghijklmnopq")
	if err := os.WriteFile(filepath.Join(dir, "weights.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	open := serveOK(t, r, &protocol.FsOpenRequest{Token: token, Path: "weights.bin"})
	handle := open.(*protocol.FsOpenResponse).Handle

	// An oversized request comes back capped, not truncated at EOF.
	resp := serveOK(t, r, &protocol.FsReadAtRequest{Token: token, Handle: handle, Offset: 0, Len: 100})
	if got := resp.(*protocol.FsReadResponse).Data; !bytes.Equal(got, content[:10]) {
		t.Fatalf("capped read returned %q", got)
	}

	// Advancing by the returned length reassembles the file.
	var assembled []byte
	for {
		resp := serveOK(t, r, &protocol.FsReadAtRequest{Token: token, Handle: handle, Offset: uint64(len(assembled)), Len: 100})
		data := resp.(*protocol.FsReadResponse).Data
		if len(data) == 0 {
			break
		}
		assembled = append(assembled, data...)
	}
	if !bytes.Equal(assembled, content) {
		t.Fatalf("reassembled %q, want %q", assembled, content)
	}

	// Whole-file reads over the cap are refused outright.
	if err := serveErr(t, r, &protocol.FsReadRequest{Token: token, Path: "weights.bin"}); !types.IsIO(err) {
		t.Fatalf("oversized whole-file read: %v", err)
	}
}

func TestOpenReadAtClose(t *testing.T) {
	r, token, dir := newTestRegistry(t, false, true)
	content := bytes.Repeat([]byte("abcdefgh"), 128)
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	open := serveOK(t, r, &protocol.FsOpenRequest{Token: token, Path: "big.bin"})
	h := open.(*protocol.FsOpenResponse).Handle

	chunk := serveOK(t, r, &protocol.FsReadAtRequest{Token: token, Handle: h, Offset: 8, Len: 8})
	if got := chunk.(*protocol.FsReadResponse).Data; !bytes.Equal(got, []byte("abcdefgh")) {
		t.Fatalf("read_at: %q", got)
	}
	// reads past EOF return the short tail, not an error
	tail := serveOK(t, r, &protocol.FsReadAtRequest{Token: token, Handle: h, Offset: uint64(len(content) - 4), Len: 100})
	if got := tail.(*protocol.FsReadResponse).Data; len(got) != 4 {
		t.Fatalf("tail read: %d bytes", len(got))
	}
	serveOK(t, r, &protocol.FsCloseRequest{Token: token, Handle: h})
	if err := serveErr(t, r, &protocol.FsReadAtRequest{Token: token, Handle: h, Offset: 0, Len: 1}); !types.IsNotFound(err) {
		t.Fatalf("read_at after close: %v", err)
	}
}

func TestCapabilities_Refusals(t *testing.T) {
	r, token, _ := newTestRegistry(t, false, false)
	if err := serveErr(t, r, &protocol.FsWriteRequest{Token: token, Path: "out", Data: []byte("x")}); !types.IsPermissionDenied(err) {
		t.Fatalf("write on read-only mount: %v", err)
	}
	if err := serveErr(t, r, &protocol.FsSymlinkRequest{Token: token, Src: "a", Dst: "b"}); !types.IsPermissionDenied(err) {
		t.Fatalf("symlink on read-only mount: %v", err)
	}
	if err := serveErr(t, r, &protocol.FsRemoveRequest{Token: token, Path: "a"}); !types.IsPermissionDenied(err) {
		t.Fatalf("remove on read-only mount: %v", err)
	}
	if err := serveErr(t, r, &protocol.FsOpenRequest{Token: token, Path: "a"}); !types.IsPermissionDenied(err) {
		t.Fatalf("open on non-seekable mount: %v", err)
	}
}

func TestWritableMount_WriteSymlinkRemove(t *testing.T) {
	r, token, dir := newTestRegistry(t, true, true)
	serveOK(t, r, &protocol.FsWriteRequest{Token: token, Path: "out/result.bin", Data: []byte("packed")})
	got, err := os.ReadFile(filepath.Join(dir, "out", "result.bin"))
	if err != nil || string(got) != "packed" {
		t.Fatalf("write landed wrong: %q %v", got, err)
	}
	serveOK(t, r, &protocol.FsSymlinkRequest{Token: token, Src: "out/result.bin", Dst: "latest"})
	meta := serveOK(t, r, &protocol.FsMetadataRequest{Token: token, Path: "latest"})
	if !meta.(*protocol.FsMetadataResponse).Meta.Symlink {
		t.Fatal("metadata did not see the symlink")
	}
	serveOK(t, r, &protocol.FsRemoveRequest{Token: token, Path: "latest"})
	if err := serveErr(t, r, &protocol.FsMetadataRequest{Token: token, Path: "latest"}); !types.IsNotFound(err) {
		t.Fatalf("metadata after remove: %v", err)
	}
}

func TestPathEscapesRefused(t *testing.T) {
	r, token, _ := newTestRegistry(t, false, false)
	for _, p := range []string{"../secret", "a/../../secret", "/../secret"} {
		if err := serveErr(t, r, &protocol.FsReadRequest{Token: token, Path: p}); !types.IsPermissionDenied(err) {
			t.Fatalf("path %q: expected PermissionDenied, got %v", p, err)
		}
	}
	// absolute wire paths are treated as mount-relative, not refused
	if err := serveErr(t, r, &protocol.FsReadRequest{Token: token, Path: "/missing"}); !types.IsNotFound(err) {
		t.Fatalf("absolute wire path: %v", err)
	}
}

func TestUnbindInvalidatesToken(t *testing.T) {
	r, token, _ := newTestRegistry(t, false, false)
	r.Unbind(token)
	if err := serveErr(t, r, &protocol.FsReadRequest{Token: token, Path: "x"}); !types.IsNotFound(err) {
		t.Fatalf("unbound token: %v", err)
	}
}
