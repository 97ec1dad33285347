// Package fsproxy serves host-mounted filesystems to runners over the
// shared channel. A mount is bound to an opaque token; the runner routes
// every request by that token. Capabilities are two flags, writable and
// seekable; anything a mount does not support is refused, not emulated.
package fsproxy

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"carton/internal/protocol"
	"carton/internal/wire"
	"carton/pkg/types"
)

// frameOverhead is headroom kept under the frame limit for envelope and
// length fields around a read payload.
const frameOverhead = 64 * 1024

// Mount is one host directory exposed to a runner.
type Mount struct {
	root     string
	writable bool
	seekable bool

	mu         sync.Mutex
	files      map[uint64]*os.File
	nextHandle uint64
}

// Writable reports whether the mount accepts the write request set.
func (m *Mount) Writable() bool { return m.writable }

// Seekable reports whether the mount supports open/read_at handles.
func (m *Mount) Seekable() bool { return m.seekable }

// resolve maps a wire path (always '/'-separated) onto the mount root,
// refusing escapes.
func (m *Mount) resolve(wirePath string) (string, error) {
	clean := path.Clean("/" + wirePath)
	if clean == "/.." || strings.HasPrefix(clean, "/../") {
		return "", types.Errorf(types.ErrPermissionDenied, "path %q escapes the mount", wirePath)
	}
	return filepath.Join(m.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (m *Mount) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, f := range m.files {
		_ = f.Close()
		delete(m.files, h)
	}
}

// Registry is the token → mount binding table. It implements the host side
// of every Fs* request.
type Registry struct {
	mu      sync.RWMutex
	mounts  map[uint64]*Mount
	next    uint64
	maxRead uint64
	log     zerolog.Logger
}

// NewRegistry builds an empty registry. maxFrameBytes of 0 selects the wire
// default; reads are capped below it.
func NewRegistry(maxFrameBytes uint64, log zerolog.Logger) *Registry {
	if maxFrameBytes == 0 {
		maxFrameBytes = wire.DefaultMaxFrameBytes
	}
	maxRead := maxFrameBytes
	if maxRead > frameOverhead {
		maxRead -= frameOverhead
	}
	return &Registry{mounts: make(map[uint64]*Mount), maxRead: maxRead, log: log}
}

// Bind exposes root under a fresh token.
func (r *Registry) Bind(root string, writable, seekable bool) (uint64, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, types.WrapError(types.ErrNotFound, "mount root "+root, err)
	}
	if !info.IsDir() {
		return 0, types.Errorf(types.ErrIO, "mount root %s is not a directory", root)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	token := r.next
	r.mounts[token] = &Mount{root: root, writable: writable, seekable: seekable, files: make(map[uint64]*os.File)}
	return token, nil
}

// Unbind drops a token and closes its open handles.
func (r *Registry) Unbind(token uint64) {
	r.mu.Lock()
	m := r.mounts[token]
	delete(r.mounts, token)
	r.mu.Unlock()
	if m != nil {
		m.closeAll()
	}
}

// CloseAll drops every binding, e.g. when the connection is lost.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	mounts := r.mounts
	r.mounts = make(map[uint64]*Mount)
	r.mu.Unlock()
	for _, m := range mounts {
		m.closeAll()
	}
}

func (r *Registry) mount(token uint64) (*Mount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mounts[token]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "no filesystem bound to token %d", token)
	}
	return m, nil
}

// Serve answers one filesystem request, or reports that req is not a
// filesystem request by returning nil.
func (r *Registry) Serve(req protocol.Request) protocol.Response {
	resp, err := r.serve(req)
	if err != nil {
		kind := types.KindOf(err)
		if kind == types.ErrUnknown {
			kind = types.ErrIO
		}
		return &protocol.ErrorResponse{Kind: kind, Message: err.Error()}
	}
	return resp
}

func (r *Registry) serve(req protocol.Request) (protocol.Response, error) {
	switch q := req.(type) {
	case *protocol.FsReadRequest:
		return r.read(q)
	case *protocol.FsReadDirRequest:
		return r.readDir(q)
	case *protocol.FsOpenRequest:
		return r.open(q)
	case *protocol.FsReadAtRequest:
		return r.readAt(q)
	case *protocol.FsCloseRequest:
		return r.close(q)
	case *protocol.FsWriteRequest:
		return r.write(q)
	case *protocol.FsWriteAtRequest:
		return r.writeAt(q)
	case *protocol.FsSymlinkRequest:
		return r.symlink(q)
	case *protocol.FsRemoveRequest:
		return r.remove(q)
	case *protocol.FsMetadataRequest:
		return r.metadata(q)
	default:
		return nil, types.Errorf(types.ErrIO, "not a filesystem request: %T", req)
	}
}

func mapFsErr(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return types.WrapError(types.ErrNotFound, op+" "+p, err)
	case errors.Is(err, fs.ErrPermission):
		return types.WrapError(types.ErrPermissionDenied, op+" "+p, err)
	default:
		return types.WrapError(types.ErrIO, op+" "+p, err)
	}
}

func (r *Registry) read(q *protocol.FsReadRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	p, err := m.resolve(q.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, mapFsErr("read", q.Path, err)
	}
	if uint64(info.Size()) > r.maxRead {
		return nil, types.Errorf(types.ErrIO, "read %s: %d bytes exceeds the frame limit, use open/read_at", q.Path, info.Size())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, mapFsErr("read", q.Path, err)
	}
	return &protocol.FsReadResponse{Data: data}, nil
}

func (r *Registry) readDir(q *protocol.FsReadDirRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	p, err := m.resolve(q.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, mapFsErr("read_dir", q.Path, err)
	}
	out := make([]protocol.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.DirEntry{Name: e.Name(), Dir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return &protocol.FsReadDirResponse{Entries: out}, nil
}

func (r *Registry) open(q *protocol.FsOpenRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	if !m.seekable {
		return nil, types.Errorf(types.ErrPermissionDenied, "open %s: mount is not seekable", q.Path)
	}
	if q.Write && !m.writable {
		return nil, types.Errorf(types.ErrPermissionDenied, "open %s for write: mount is read-only", q.Path)
	}
	p, err := m.resolve(q.Path)
	if err != nil {
		return nil, err
	}
	flag := os.O_RDONLY
	if q.Write {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(p, flag, 0o644)
	if err != nil {
		return nil, mapFsErr("open", q.Path, err)
	}
	m.mu.Lock()
	m.nextHandle++
	h := m.nextHandle
	m.files[h] = f
	m.mu.Unlock()
	return &protocol.FsOpenResponse{Handle: h}, nil
}

func (r *Registry) file(token, handle uint64) (*Mount, *os.File, error) {
	m, err := r.mount(token)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	f, ok := m.files[handle]
	m.mu.Unlock()
	if !ok {
		return nil, nil, types.Errorf(types.ErrNotFound, "no open file handle %d", handle)
	}
	return m, f, nil
}

func (r *Registry) readAt(q *protocol.FsReadAtRequest) (protocol.Response, error) {
	_, f, err := r.file(q.Token, q.Handle)
	if err != nil {
		return nil, err
	}
	n := q.Len
	if n > r.maxRead {
		n = r.maxRead
	}
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, int64(q.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, mapFsErr("read_at", f.Name(), err)
	}
	return &protocol.FsReadResponse{Data: buf[:read]}, nil
}

func (r *Registry) close(q *protocol.FsCloseRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	f, ok := m.files[q.Handle]
	delete(m.files, q.Handle)
	m.mu.Unlock()
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "no open file handle %d", q.Handle)
	}
	if err := f.Close(); err != nil {
		return nil, mapFsErr("close", f.Name(), err)
	}
	return &protocol.FsOkResponse{}, nil
}

func (r *Registry) write(q *protocol.FsWriteRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	if !m.writable {
		return nil, types.Errorf(types.ErrPermissionDenied, "write %s: mount is read-only", q.Path)
	}
	p, err := m.resolve(q.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, mapFsErr("write", q.Path, err)
	}
	if err := os.WriteFile(p, q.Data, 0o644); err != nil {
		return nil, mapFsErr("write", q.Path, err)
	}
	return &protocol.FsOkResponse{}, nil
}

func (r *Registry) writeAt(q *protocol.FsWriteAtRequest) (protocol.Response, error) {
	m, f, err := r.file(q.Token, q.Handle)
	if err != nil {
		return nil, err
	}
	if !m.writable {
		return nil, types.Errorf(types.ErrPermissionDenied, "write_at: mount is read-only")
	}
	if _, err := f.WriteAt(q.Data, int64(q.Offset)); err != nil {
		return nil, mapFsErr("write_at", f.Name(), err)
	}
	return &protocol.FsOkResponse{}, nil
}

func (r *Registry) symlink(q *protocol.FsSymlinkRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	if !m.writable {
		return nil, types.Errorf(types.ErrPermissionDenied, "symlink %s: mount is read-only", q.Dst)
	}
	dst, err := m.resolve(q.Dst)
	if err != nil {
		return nil, err
	}
	// The link target stays as given (relative targets are resolved by the
	// OS against the link's directory inside the mount).
	if err := os.Symlink(filepath.FromSlash(q.Src), dst); err != nil {
		return nil, mapFsErr("symlink", q.Dst, err)
	}
	return &protocol.FsOkResponse{}, nil
}

func (r *Registry) remove(q *protocol.FsRemoveRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	if !m.writable {
		return nil, types.Errorf(types.ErrPermissionDenied, "remove %s: mount is read-only", q.Path)
	}
	p, err := m.resolve(q.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(p); err != nil {
		return nil, mapFsErr("remove", q.Path, err)
	}
	return &protocol.FsOkResponse{}, nil
}

func (r *Registry) metadata(q *protocol.FsMetadataRequest) (protocol.Response, error) {
	m, err := r.mount(q.Token)
	if err != nil {
		return nil, err
	}
	p, err := m.resolve(q.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return nil, mapFsErr("metadata", q.Path, err)
	}
	return &protocol.FsMetadataResponse{Meta: protocol.FileMeta{
		Size:    uint64(info.Size()),
		Dir:     info.IsDir(),
		Symlink: info.Mode()&os.ModeSymlink != 0,
	}}, nil
}
