// Package runnerfs is the runner-side view of a host-mounted filesystem:
// every operation is an RPC back over the shared channel, routed by the
// fs token received in the Load or Pack request.
package runnerfs

import (
	"context"

	"carton/internal/protocol"
	"carton/pkg/types"
)

// Caller issues requests on the connection; satisfied by rpc.Peer.
type Caller interface {
	Call(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// FS is one bound mount as seen from the runner.
type FS struct {
	caller Caller
	token  uint64
}

// New binds an FS to a token received from the host.
func New(caller Caller, token uint64) *FS { return &FS{caller: caller, token: token} }

// Token returns the routing token.
func (f *FS) Token() uint64 { return f.token }

func badResp(resp protocol.Response) error {
	return types.Errorf(types.ErrDecode, "unexpected filesystem response %T", resp)
}

// ReadFile fetches a whole file.
func (f *FS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := f.caller.Call(ctx, &protocol.FsReadRequest{Token: f.token, Path: path})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*protocol.FsReadResponse)
	if !ok {
		return nil, badResp(resp)
	}
	return r.Data, nil
}

// ReadDir lists a directory in name order.
func (f *FS) ReadDir(ctx context.Context, path string) ([]protocol.DirEntry, error) {
	resp, err := f.caller.Call(ctx, &protocol.FsReadDirRequest{Token: f.token, Path: path})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*protocol.FsReadDirResponse)
	if !ok {
		return nil, badResp(resp)
	}
	return r.Entries, nil
}

// Metadata stats a path.
func (f *FS) Metadata(ctx context.Context, path string) (protocol.FileMeta, error) {
	resp, err := f.caller.Call(ctx, &protocol.FsMetadataRequest{Token: f.token, Path: path})
	if err != nil {
		return protocol.FileMeta{}, err
	}
	r, ok := resp.(*protocol.FsMetadataResponse)
	if !ok {
		return protocol.FileMeta{}, badResp(resp)
	}
	return r.Meta, nil
}

// WriteFile writes a whole file (writable mounts only).
func (f *FS) WriteFile(ctx context.Context, path string, data []byte) error {
	resp, err := f.caller.Call(ctx, &protocol.FsWriteRequest{Token: f.token, Path: path, Data: data})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.FsOkResponse); !ok {
		return badResp(resp)
	}
	return nil
}

// Symlink creates dst pointing at src (writable mounts only).
func (f *FS) Symlink(ctx context.Context, src, dst string) error {
	resp, err := f.caller.Call(ctx, &protocol.FsSymlinkRequest{Token: f.token, Src: src, Dst: dst})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.FsOkResponse); !ok {
		return badResp(resp)
	}
	return nil
}

// Remove deletes a file or empty directory (writable mounts only).
func (f *FS) Remove(ctx context.Context, path string) error {
	resp, err := f.caller.Call(ctx, &protocol.FsRemoveRequest{Token: f.token, Path: path})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.FsOkResponse); !ok {
		return badResp(resp)
	}
	return nil
}

// File is an open per-connection handle on a seekable mount.
type File struct {
	fs     *FS
	handle uint64
}

// Open opens path and returns a handle for chunked access.
func (f *FS) Open(ctx context.Context, path string, write bool) (*File, error) {
	resp, err := f.caller.Call(ctx, &protocol.FsOpenRequest{Token: f.token, Path: path, Write: write})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*protocol.FsOpenResponse)
	if !ok {
		return nil, badResp(resp)
	}
	return &File{fs: f, handle: r.Handle}, nil
}

// ReadAt reads up to length bytes at offset. The host may return fewer
// bytes than requested, either at end of file or because it caps each
// response to fit one frame; advance by the returned length and treat an
// empty result as end of file.
func (h *File) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	resp, err := h.fs.caller.Call(ctx, &protocol.FsReadAtRequest{Token: h.fs.token, Handle: h.handle, Offset: offset, Len: length})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*protocol.FsReadResponse)
	if !ok {
		return nil, badResp(resp)
	}
	return r.Data, nil
}

// WriteAt writes data at offset (handles opened for write).
func (h *File) WriteAt(ctx context.Context, offset uint64, data []byte) error {
	resp, err := h.fs.caller.Call(ctx, &protocol.FsWriteAtRequest{Token: h.fs.token, Handle: h.handle, Offset: offset, Data: data})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.FsOkResponse); !ok {
		return badResp(resp)
	}
	return nil
}

// Close releases the handle on the host.
func (h *File) Close(ctx context.Context) error {
	resp, err := h.fs.caller.Call(ctx, &protocol.FsCloseRequest{Token: h.fs.token, Handle: h.handle})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.FsOkResponse); !ok {
		return badResp(resp)
	}
	return nil
}
