// Package rpc multiplexes request/response envelopes over a framed duplex
// channel. Both host and runner sides run the same Peer: requests go out
// through a bounded queue, responses are correlated back to their waiter by
// envelope id, and inbound requests are handed to a Handler.
package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"carton/internal/protocol"
	"carton/internal/wire"
	"carton/pkg/types"
)

// DefaultQueueDepth bounds the outbound queue; senders block when full.
const DefaultQueueDepth = 32

// Handler serves requests arriving from the remote side. Each request runs
// on its own goroutine; the returned response is sent with the request's id.
type Handler interface {
	HandleRequest(ctx context.Context, req protocol.Request) protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req protocol.Request) protocol.Response

func (f HandlerFunc) HandleRequest(ctx context.Context, req protocol.Request) protocol.Response {
	return f(ctx, req)
}

// Codec is the bound schema leaf for this connection.
type Codec interface {
	Version() uint64
	Encode(protocol.Envelope) ([]byte, error)
	Decode([]byte) (protocol.Envelope, error)
}

// Options tune a Peer. Zero values select defaults.
type Options struct {
	QueueDepth    int
	MaxFrameBytes uint64
	Logger        zerolog.Logger
	Handler       Handler
	// CloseCause, when set, may reclassify a stream failure before it
	// becomes the close reason. The process layer uses it to report a dead
	// child as RunnerCrashed instead of a bare TransportClosed. It is not
	// consulted for deliberate Close or Abort.
	CloseCause func(error) error
}

// Peer is one end of a connection.
type Peer struct {
	framer     *wire.Framer
	conn       io.Closer
	codec      Codec
	handler    Handler
	log        zerolog.Logger
	closeCause func(error) error

	out    chan []byte
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Response

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	serveCtx    context.Context
	serveCancel context.CancelFunc
	done        sync.WaitGroup
}

// NewPeer starts reader and writer loops over conn using the given codec.
func NewPeer(conn io.ReadWriteCloser, codec Codec, opts Options) *Peer {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	handler := opts.Handler
	if handler == nil {
		handler = HandlerFunc(func(context.Context, protocol.Request) protocol.Response {
			return &protocol.ErrorResponse{Kind: types.ErrUnknown, Message: "no request handler on this side"}
		})
	}
	p := &Peer{
		framer:     wire.NewFramer(conn, opts.MaxFrameBytes),
		conn:       conn,
		codec:      codec,
		handler:    handler,
		log:        opts.Logger,
		closeCause: opts.CloseCause,
		out:        make(chan []byte, depth),
		pending:    make(map[uint64]chan protocol.Response),
		closed:     make(chan struct{}),
	}
	p.serveCtx, p.serveCancel = context.WithCancel(context.Background())
	p.done.Add(2)
	go p.readLoop()
	go p.writeLoop()
	return p
}

// Version returns the interface major bound to this connection.
func (p *Peer) Version() uint64 { return p.codec.Version() }

// Call sends req and blocks until its response, the context ends, or the
// connection dies. Context expiry abandons the waiter; the late response is
// discarded on arrival, the remote work is not cancelled.
func (p *Peer) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	id := p.nextID.Add(1)
	payload, err := p.codec.Encode(protocol.Envelope{ID: id, Body: req})
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.Response, 1)
	p.mu.Lock()
	if p.closeErr != nil {
		p.mu.Unlock()
		return nil, p.sendAfterCloseErr()
	}
	p.pending[id] = ch
	p.mu.Unlock()
	inflightRequests.Inc()

	if err := p.enqueue(ctx, payload); err != nil {
		p.dropPending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		inflightRequests.Dec()
		if e, ok := resp.(*protocol.ErrorResponse); ok {
			return nil, e.Err()
		}
		return resp, nil
	case <-ctx.Done():
		p.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.WrapError(types.ErrTimeout, "awaiting response", ctx.Err())
		}
		return nil, ctx.Err()
	case <-p.closed:
		p.dropPending(id)
		return nil, p.closeErr
	}
}

func (p *Peer) dropPending(id uint64) {
	p.mu.Lock()
	if _, ok := p.pending[id]; ok {
		delete(p.pending, id)
		inflightRequests.Dec()
	}
	p.mu.Unlock()
}

// enqueue places an encoded frame on the bounded outbound queue, blocking
// while it is full.
func (p *Peer) enqueue(ctx context.Context, payload []byte) error {
	select {
	case p.out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return p.sendAfterCloseErr()
	}
}

// sendAfterCloseErr is what a send attempted after closure reports: always
// TransportClosed, with the original close reason attached.
func (p *Peer) sendAfterCloseErr() error {
	err := p.closeErr
	if types.KindOf(err) == types.ErrTransportClosed {
		return err
	}
	return types.WrapError(types.ErrTransportClosed, "connection closed", err)
}

func (p *Peer) writeLoop() {
	defer p.done.Done()
	for {
		select {
		case payload := <-p.out:
			if err := p.framer.WriteFrame(payload); err != nil {
				p.fail(p.classify(err))
				return
			}
			framesTotal.WithLabelValues("out").Inc()
			frameBytesTotal.WithLabelValues("out").Add(float64(len(payload)))
		case <-p.closed:
			return
		}
	}
}

func (p *Peer) readLoop() {
	defer p.done.Done()
	for {
		payload, err := p.framer.ReadFrame()
		if err != nil {
			p.fail(p.classify(err))
			return
		}
		framesTotal.WithLabelValues("in").Inc()
		frameBytesTotal.WithLabelValues("in").Add(float64(len(payload)))
		env, err := p.codec.Decode(payload)
		if err != nil {
			p.fail(err)
			return
		}
		switch body := env.Body.(type) {
		case protocol.Response:
			p.mu.Lock()
			ch, ok := p.pending[env.ID]
			if ok {
				delete(p.pending, env.ID)
			}
			p.mu.Unlock()
			if !ok {
				discardedResponsesTotal.Inc()
				p.log.Debug().Uint64("id", env.ID).Msg("discarding response with no pending waiter")
				continue
			}
			ch <- body
		case protocol.Request:
			go p.serveRequest(env.ID, body)
		}
	}
}

func (p *Peer) serveRequest(id uint64, req protocol.Request) {
	resp := p.handler.HandleRequest(p.serveCtx, req)
	if resp == nil {
		resp = &protocol.ErrorResponse{Kind: types.ErrUnknown, Message: "handler returned no response"}
	}
	payload, err := p.codec.Encode(protocol.Envelope{ID: id, Body: resp})
	if err != nil {
		// Encoding a response can only fail for untransportable tensors;
		// report that in-band rather than dropping the request on the floor.
		fallback := &protocol.ErrorResponse{Kind: types.KindOf(err), Message: err.Error()}
		payload, err = p.codec.Encode(protocol.Envelope{ID: id, Body: fallback})
		if err != nil {
			p.fail(err)
			return
		}
	}
	_ = p.enqueue(p.serveCtx, payload)
}

// classify runs a stream error through CloseCause. Skipped once the peer is
// already down so a deliberate Close never waits on the classifier.
func (p *Peer) classify(err error) error {
	if p.closeCause == nil {
		return err
	}
	select {
	case <-p.closed:
		return err
	default:
	}
	return p.closeCause(err)
}

// fail closes the connection and completes every pending waiter with err.
func (p *Peer) fail(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closeErr = err
		waiters := p.pending
		p.pending = make(map[uint64]chan protocol.Response)
		p.mu.Unlock()
		for range waiters {
			inflightRequests.Dec()
		}
		p.serveCancel()
		close(p.closed)
		_ = p.conn.Close()
		if len(waiters) > 0 {
			p.log.Warn().Int("waiters", len(waiters)).Err(err).Msg("failing pending requests")
		}
	})
}

// Abort tears the connection down with a specific error, e.g. RunnerCrashed
// when the child exits underneath us.
func (p *Peer) Abort(err error) {
	if err == nil {
		err = types.NewError(types.ErrTransportClosed, "aborted")
	}
	p.fail(err)
}

// Close shuts the connection down. Idempotent; the second call is a no-op.
func (p *Peer) Close() error {
	p.fail(types.NewError(types.ErrTransportClosed, "connection closed"))
	return nil
}

// Done is closed once the connection is down; Err then reports why.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// Err returns the close reason, nil while the connection is up.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}
