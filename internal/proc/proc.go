// Package proc owns the runner process lifecycle: rendezvous address,
// spawn, readiness, handshake, and teardown. The runner is always spawned;
// nothing here ever attaches to an existing process.
package proc

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carton/internal/protocol"
	"carton/internal/rpc"
	"carton/internal/schema"
	"carton/internal/wire"
	"carton/pkg/types"
)

// DefaultSpawnTimeout bounds spawn-to-connect.
const DefaultSpawnTimeout = 60 * time.Second

// DefaultShutdownTimeout bounds a polite shutdown before the child is
// killed.
const DefaultShutdownTimeout = 5 * time.Second

// crashGrace is how long a stream failure waits for the child's exit status
// before it is reported as a plain transport error. A killed child severs
// the socket a moment before Wait returns; this window lets the close reason
// say RunnerCrashed instead.
const crashGrace = 500 * time.Millisecond

// Options tune a spawn. Zero values select defaults.
type Options struct {
	SpawnTimeout    time.Duration
	ShutdownTimeout time.Duration
	QueueDepth      int
	MaxFrameBytes   uint64
	Logger          zerolog.Logger
	// Handler serves runner-originated requests (the filesystem proxy).
	Handler rpc.Handler
	// Env entries are appended to the child's environment, e.g. library
	// search path hints.
	Env []string
}

// Runner is a live runner process plus its bound connection.
type Runner struct {
	Peer *rpc.Peer

	cmd             *exec.Cmd
	tmpDir          string
	log             zerolog.Logger
	shutdownTimeout time.Duration

	// exited is closed once cmd.Wait returns; exitErr is set before the
	// close and must only be read after <-exited.
	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error
}

type deadlineListener interface {
	net.Listener
	SetDeadline(time.Time) error
}

// listen creates the rendezvous: a unix socket in a fresh temp dir, or a
// loopback TCP socket where unix sockets are unavailable.
func listen(tmpDir string) (deadlineListener, string, error) {
	sock := filepath.Join(tmpDir, "runner.sock")
	if ul, err := net.Listen("unix", sock); err == nil {
		return ul.(*net.UnixListener), sock, nil
	}
	tl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", types.WrapError(types.ErrIO, "rendezvous listen", err)
	}
	return tl.(*net.TCPListener), tl.Addr().String(), nil
}

// Start spawns the runner at exePath, waits for it to connect and complete
// the handshake, and returns it in the ready state.
func Start(ctx context.Context, exePath string, opts Options) (*Runner, error) {
	spawnTimeout := opts.SpawnTimeout
	if spawnTimeout <= 0 {
		spawnTimeout = DefaultSpawnTimeout
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	tmpDir, err := os.MkdirTemp("", "carton-runner-*")
	if err != nil {
		return nil, types.WrapError(types.ErrIO, "rendezvous dir", err)
	}
	ln, addr, err := listen(tmpDir)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	defer ln.Close()

	cmd := exec.Command(exePath, "--uds-path", addr)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, types.WrapError(types.ErrIO, "spawn "+exePath, err)
	}
	opts.Logger.Debug().Str("exe", exePath).Str("addr", addr).Int("pid", cmd.Process.Pid).Msg("runner spawned")

	r := &Runner{
		cmd:             cmd,
		tmpDir:          tmpDir,
		log:             opts.Logger,
		shutdownTimeout: shutdownTimeout,
		exited:          make(chan struct{}),
	}
	go func() {
		r.exitErr = cmd.Wait()
		close(r.exited)
	}()

	kill := func() {
		_ = cmd.Process.Kill()
		<-r.exited
		_ = os.RemoveAll(tmpDir)
	}

	deadline := time.Now().Add(spawnTimeout)
	_ = ln.SetDeadline(deadline)
	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- accepted{conn, err}
	}()

	var conn net.Conn
	select {
	case a := <-acceptCh:
		if a.err != nil {
			kill()
			if ne, ok := a.err.(net.Error); ok && ne.Timeout() {
				return nil, types.Errorf(types.ErrRunnerStartTimeout, "runner %s did not connect within %s", exePath, spawnTimeout)
			}
			return nil, types.WrapError(types.ErrIO, "rendezvous accept", a.err)
		}
		conn = a.conn
	case <-r.exited:
		kill()
		return nil, types.Errorf(types.ErrRunnerCrashed, "runner %s exited before connecting: %v", exePath, r.exitErr)
	case <-ctx.Done():
		kill()
		return nil, ctx.Err()
	}

	// First frame is the Hello; read it with the spawn deadline still
	// applied so a silent child cannot hang us.
	_ = conn.SetReadDeadline(deadline)
	framer := wire.NewFramer(conn, opts.MaxFrameBytes)
	payload, err := framer.ReadFrame()
	if err != nil {
		_ = conn.Close()
		kill()
		return nil, types.WrapError(types.ErrRunnerCrashed, "reading handshake", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	hello, err := schema.DecodeHello(payload)
	if err != nil {
		_ = conn.Close()
		kill()
		return nil, err
	}
	codec, err := schema.For(hello.InterfaceVersion)
	if err != nil {
		_ = conn.Close()
		kill()
		return nil, err
	}
	opts.Logger.Debug().Uint64("interface_version", hello.InterfaceVersion).Msg("runner handshake complete")

	r.Peer = rpc.NewPeer(conn, codec, rpc.Options{
		QueueDepth:    opts.QueueDepth,
		MaxFrameBytes: opts.MaxFrameBytes,
		Logger:        opts.Logger,
		Handler:       opts.Handler,
		CloseCause:    r.closeCause,
	})
	go r.reap()
	return r, nil
}

// closeCause reclassifies a stream failure as RunnerCrashed when the child
// turns out to be dead behind it. A killed child severs the socket before
// its exit status is collected, so the connection can fail first.
func (r *Runner) closeCause(err error) error {
	if types.KindOf(err) != types.ErrTransportClosed {
		return err
	}
	select {
	case <-r.exited:
	case <-time.After(crashGrace):
		return err
	}
	return types.Errorf(types.ErrRunnerCrashed, "runner exited: %v", r.exitErr)
}

// reap watches for the child exiting underneath a live connection and fails
// every pending waiter with RunnerCrashed.
func (r *Runner) reap() {
	<-r.exited
	select {
	case <-r.Peer.Done():
		// already shut down; normal exit path
	default:
		r.log.Warn().Err(r.exitErr).Msg("runner exited unexpectedly")
		r.Peer.Abort(types.Errorf(types.ErrRunnerCrashed, "runner exited: %v", r.exitErr))
	}
}

// Pid returns the child's process id.
func (r *Runner) Pid() int { return r.cmd.Process.Pid }

// Version is the interface major bound at handshake.
func (r *Runner) Version() uint64 { return r.Peer.Version() }

// Shutdown closes the runner down: a polite Shutdown request with a
// deadline, then the channel, then the process. Safe to call twice; the
// second call is a no-op.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() { r.closeErr = r.shutdown(ctx) })
	return r.closeErr
}

func (r *Runner) shutdown(ctx context.Context) error {
	defer func() { _ = os.RemoveAll(r.tmpDir) }()

	callCtx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
	defer cancel()
	_, err := r.Peer.Call(callCtx, &protocol.ShutdownRequest{})
	_ = r.Peer.Close()
	if err != nil {
		r.log.Debug().Err(err).Msg("polite shutdown failed, killing runner")
		_ = r.cmd.Process.Kill()
		<-r.exited
		return nil
	}
	select {
	case <-r.exited:
		return nil
	case <-time.After(r.shutdownTimeout):
		_ = r.cmd.Process.Kill()
		<-r.exited
		return nil
	}
}
