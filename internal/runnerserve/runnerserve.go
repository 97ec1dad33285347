// Package runnerserve is the runner side of the interface protocol: connect
// to the host's rendezvous address, send Hello, then serve requests until
// the channel closes or a Shutdown arrives. Concrete runners plug in a
// Backend; the serve loop owns the seal-handle table.
package runnerserve

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carton/internal/protocol"
	"carton/internal/rpc"
	"carton/internal/runnerfs"
	"carton/internal/schema"
	"carton/internal/wire"
	"carton/pkg/types"
)

// Backend is what a concrete runner implements. The serve loop handles
// sealing, handle bookkeeping, and shutdown around it.
type Backend interface {
	// Load opens the model package visible through fs.
	Load(ctx context.Context, fs *runnerfs.FS, req *protocol.LoadRequest) (types.ModelInfo, error)
	// Pack builds a package from req.InputPath and returns the output path.
	Pack(ctx context.Context, fs *runnerfs.FS, req *protocol.PackRequest) (string, error)
	// Infer runs the model on named inputs.
	Infer(ctx context.Context, tensors map[string]types.Tensor) (map[string]types.Tensor, error)
}

// Options tune a serving session.
type Options struct {
	// InterfaceVersion announced in Hello; 0 means the current major.
	InterfaceVersion uint64
	QueueDepth       int
	MaxFrameBytes    uint64
	Logger           zerolog.Logger
}

// Session is one runner-side connection.
type Session struct {
	peer    *rpc.Peer
	backend Backend
	log     zerolog.Logger

	mu       sync.Mutex
	sealed   map[uint64]map[string]types.Tensor
	nextSeal uint64
	shutdown bool
}

// Dial connects to the host's rendezvous address ("/path/to.sock" or
// "host:port") and completes the handshake.
func Dial(addr string, backend Backend, opts Options) (*Session, error) {
	network := "unix"
	if strings.Contains(addr, ":") && !strings.Contains(addr, "/") {
		network = "tcp"
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, types.WrapError(types.ErrTransportClosed, "dial "+addr, err)
	}
	return Serve(conn, backend, opts)
}

// Serve runs the handshake and starts serving on an established connection.
func Serve(conn io.ReadWriteCloser, backend Backend, opts Options) (*Session, error) {
	version := opts.InterfaceVersion
	if version == 0 {
		version = schema.CurrentMajor
	}
	framer := wire.NewFramer(conn, opts.MaxFrameBytes)
	if err := framer.WriteFrame(schema.EncodeHello(protocol.Hello{InterfaceVersion: version})); err != nil {
		_ = conn.Close()
		return nil, err
	}
	codec, err := schema.For(version)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s := &Session{
		backend: backend,
		log:     opts.Logger,
		sealed:  make(map[uint64]map[string]types.Tensor),
	}
	s.peer = rpc.NewPeer(conn, codec, rpc.Options{
		QueueDepth:    opts.QueueDepth,
		MaxFrameBytes: opts.MaxFrameBytes,
		Logger:        opts.Logger,
		Handler:       rpc.HandlerFunc(s.handle),
	})
	return s, nil
}

// Wait blocks until the connection is down. It returns nil only after an
// honored Shutdown; a dropped channel surfaces its close reason so the
// runner can exit non-zero.
func (s *Session) Wait() error {
	<-s.peer.Done()
	s.mu.Lock()
	clean := s.shutdown
	s.mu.Unlock()
	if clean {
		return nil
	}
	return s.peer.Err()
}

// Close tears the connection down. Outstanding seal handles die with it.
func (s *Session) Close() error { return s.peer.Close() }

func errResp(err error) protocol.Response {
	kind := types.KindOf(err)
	if kind == types.ErrUnknown {
		kind = types.ErrRunnerReported
	}
	return &protocol.ErrorResponse{Kind: kind, Message: err.Error()}
}

func (s *Session) handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch q := req.(type) {
	case *protocol.LoadRequest:
		info, err := s.backend.Load(ctx, runnerfs.New(s.peer, q.FsToken), q)
		if err != nil {
			return errResp(err)
		}
		return &protocol.LoadResponse{Info: info}
	case *protocol.PackRequest:
		out, err := s.backend.Pack(ctx, runnerfs.New(s.peer, q.FsToken), q)
		if err != nil {
			return errResp(err)
		}
		return &protocol.PackResponse{OutputPath: out}
	case *protocol.SealRequest:
		return &protocol.SealResponse{Handle: s.seal(q.Tensors)}
	case *protocol.InferWithHandleRequest:
		tensors, ok := s.consume(q.Handle)
		if !ok {
			return &protocol.ErrorResponse{Kind: types.ErrUnknownHandle, Message: "handle already consumed or never sealed"}
		}
		return s.infer(ctx, tensors)
	case *protocol.InferWithTensorsRequest:
		return s.infer(ctx, q.Tensors)
	case *protocol.ShutdownRequest:
		s.mu.Lock()
		s.shutdown = true
		// Dropping the table here keeps handle invalidation symmetric with
		// connection loss.
		s.sealed = make(map[uint64]map[string]types.Tensor)
		s.mu.Unlock()
		// The host closes the channel once it has the acknowledgement; the
		// timer is a backstop against a host that never does.
		go func() {
			select {
			case <-s.peer.Done():
			case <-time.After(5 * time.Second):
				_ = s.peer.Close()
			}
		}()
		return &protocol.ShutdownResponse{}
	default:
		return &protocol.ErrorResponse{Kind: types.ErrRunnerReported, Message: "unexpected request on runner side"}
	}
}

// seal stages inputs and mints a fresh handle. A real runner would start
// moving these toward the device here.
func (s *Session) seal(tensors map[string]types.Tensor) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeal++
	s.sealed[s.nextSeal] = tensors
	return s.nextSeal
}

// consume takes a handle out of the table; each handle is usable once.
func (s *Session) consume(handle uint64) (map[string]types.Tensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tensors, ok := s.sealed[handle]
	if ok {
		delete(s.sealed, handle)
	}
	return tensors, ok
}

func (s *Session) infer(ctx context.Context, tensors map[string]types.Tensor) protocol.Response {
	for name, tensor := range tensors {
		if err := tensor.Validate(); err != nil {
			return &protocol.ErrorResponse{Kind: types.ErrInvalidTensor, Message: name + ": " + err.Error()}
		}
	}
	out, err := s.backend.Infer(ctx, tensors)
	if err != nil {
		return errResp(err)
	}
	return &protocol.InferResponse{Tensors: out}
}
