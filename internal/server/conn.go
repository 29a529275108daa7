// Package server implements the per-connection engine of the Vigil remote
// API: request parsing and validation, authentication, admission-controlled
// dispatch, response emission including a long-lived streaming mode, idle
// eviction, and idempotent teardown.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/config"
	"example.com/vigil/internal/logger"
)

const (
	defaultLivenessPeriod = 5 * time.Second
	defaultIdleTimeout    = 10 * time.Second
)

// inFlightSentinel marks a connection whose request is being handled, so
// the watchdog never evicts it no matter how long the handler runs.
const inFlightSentinel int64 = math.MaxInt64

// ConnectionOptions carries everything a Connection needs. Stream, Log,
// Users, Gate and Dispatcher are required; the rest is optional.
type ConnectionOptions struct {
	// Stream is the transport-secured byte stream from the acceptor.
	Stream net.Conn
	// Identity is the transport-proven peer identity (client certificate
	// CN); only consulted when Authenticated is true.
	Identity      string
	Authenticated bool

	Log        *logger.Logger
	Users      auth.Directory
	Registry   *Registry
	Gate       *AdmissionGate
	Dispatcher Dispatcher
	Metrics    *Metrics

	AllowedOrigins []string
	BodySizeRules  []config.BodySizeRule

	// LivenessPeriod and IdleTimeout override the watchdog defaults,
	// which tests need.
	LivenessPeriod time.Duration
	IdleTimeout    time.Duration
}

// Connection runs the full request/response life-cycle for one accepted
// client. Two goroutines serve it: the message loop and the liveness
// watchdog. They share only the shutdown flag and the last-activity
// timestamp, both atomic.
type Connection struct {
	stream net.Conn
	cr     *connReader
	bw     *bufio.Writer

	log        *logger.Logger
	users      auth.Directory
	registry   *Registry
	gate       *AdmissionGate
	dispatcher Dispatcher
	metrics    *Metrics

	allowedOrigins map[string]struct{}
	bodyRules      []config.BodySizeRule

	peerAddr string
	// apiUser caches the identity the transport layer already proved.
	apiUser *auth.User

	livenessPeriod time.Duration
	idleTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastSeen     atomic.Int64
	shuttingDown atomic.Bool
	streaming    atomic.Bool
}

// NewConnection builds a connection around an accepted secured stream. If
// the transport proved the peer's identity, the matching user is resolved
// once here and reused for every request on the connection.
func NewConnection(opts ConnectionOptions) *Connection {
	c := &Connection{
		stream:         opts.Stream,
		cr:             newConnReader(opts.Stream),
		bw:             bufio.NewWriter(opts.Stream),
		log:            opts.Log,
		users:          opts.Users,
		registry:       opts.Registry,
		gate:           opts.Gate,
		dispatcher:     opts.Dispatcher,
		metrics:        opts.Metrics,
		bodyRules:      opts.BodySizeRules,
		peerAddr:       opts.Stream.RemoteAddr().String(),
		livenessPeriod: opts.LivenessPeriod,
		idleTimeout:    opts.IdleTimeout,
	}
	if len(opts.AllowedOrigins) > 0 {
		c.allowedOrigins = make(map[string]struct{}, len(opts.AllowedOrigins))
		for _, origin := range opts.AllowedOrigins {
			c.allowedOrigins[origin] = struct{}{}
		}
	}
	if opts.Authenticated {
		c.apiUser = c.users.ByClientCN(opts.Identity)
	}
	if c.livenessPeriod <= 0 {
		c.livenessPeriod = defaultLivenessPeriod
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = defaultIdleTimeout
	}
	c.touch()
	return c
}

// Start launches the message loop and the liveness watchdog. Cancelling
// parent stops the loop from accepting new requests.
func (c *Connection) Start(parent context.Context) {
	c.ctx, c.cancel = context.WithCancel(parent)
	c.metrics.connOpened()
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.messageLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.checkLiveness()
	}()
}

// Wait blocks until both connection goroutines have exited.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// PeerAddr returns the remote address string.
func (c *Connection) PeerAddr() string {
	return c.peerAddr
}

// Disconnected reports whether teardown has begun.
func (c *Connection) Disconnected() bool {
	return c.shuttingDown.Load()
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) markInFlight() {
	c.lastSeen.Store(inFlightSentinel)
}

// Disconnect is the idempotent teardown sequence, callable from either
// connection goroutine or from the outside. Exactly one caller wins the
// flag; everyone else returns immediately.
func (c *Connection) Disconnect() {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	c.log.Info("HTTP client disconnected", logger.LogFields{"peer": c.peerAddr})

	// Wakes the watchdog and anything blocked on the admission gate.
	if c.cancel != nil {
		c.cancel()
	}

	gracefulClose(c.stream)

	if c.registry != nil {
		c.registry.Remove(c)
	}
	c.metrics.connClosed()
}

// gracefulClose asks the transport to shut down cleanly before closing.
// For TLS streams CloseWrite sends the close_notify alert.
func gracefulClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.Close()
}

func (c *Connection) messageLoop() {
	err := c.processMessages()
	if err != nil && !c.shuttingDown.Load() {
		c.log.Warn("Error while processing HTTP request", logger.LogFields{
			"peer":  c.peerAddr,
			"error": err.Error(),
		})
	}
	c.Disconnect()
}

// processMessages pulls one request at a time through the validation
// pipeline and answers it. A nil return is a normal termination; an error
// is an unexpected failure the caller logs unless shutdown already began.
func (c *Connection) processMessages() error {
	for c.ctx.Err() == nil {
		c.touch()

		resp := NewResponse()

		hreq, err := c.cr.readHeader()
		if err != nil {
			if c.isShutdownErr(err) || errors.Is(err, io.EOF) {
				return nil
			}
			setBadRequestBody(resp, "", err.Error())
			if werr := c.writeResponse(resp); werr != nil && !c.isShutdownErr(werr) {
				return werr
			}
			return nil
		}
		if !protoSupported(hreq) {
			setBadRequestBody(resp, hreq.Header.Get("Accept"), "Unsupported HTTP version")
			if werr := c.writeResponse(resp); werr != nil && !c.isShutdownErr(werr) {
				return werr
			}
			return nil
		}

		c.touch()
		start := time.Now()

		applyMethodOverride(hreq)

		if hreq.Header.Get("Expect") == "100-continue" {
			if err := c.writeContinue(); err != nil {
				if c.isShutdownErr(err) {
					return nil
				}
				return err
			}
		}

		user := c.apiUser
		if user == nil {
			user = c.users.ByAuthHeader(hreq.Header.Get("Authorization"))
		}

		var gateWait time.Duration
		keepAlive, err := c.handleRequest(hreq, resp, user, &gateWait)

		userName := "<unauthenticated>"
		if user != nil {
			userName = user.Name
		}
		c.log.Access(hreq.Method, hreq.RequestURI, c.peerAddr, userName,
			hreq.Header.Get("User-Agent"), resp.StatusCode, gateWait, time.Since(start))
		c.metrics.requestDone(resp.StatusCode)

		if err != nil {
			if c.isShutdownErr(err) {
				return nil
			}
			return err
		}
		if !keepAlive {
			return nil
		}
	}
	return nil
}

// handleRequest runs the ordered validation stages and the dispatch for a
// single request whose headers are already in. Stage failures write a
// terminal response and end the loop via keepAlive=false; only transport
// failures and re-propagated cancellations come back as errors.
func (c *Connection) handleRequest(hreq *http.Request, resp *Response, user *auth.User, gateWait *time.Duration) (keepAlive bool, err error) {
	if preflight := applyAccessControl(c.allowedOrigins, hreq, resp); preflight {
		return false, c.writeResponse(resp)
	}

	if hreq.Method != http.MethodGet && hreq.Header.Get("Accept") != "application/json" {
		resp.StatusCode = http.StatusBadRequest
		resp.SetBody("text/html", []byte("<h1>Accept header is missing or not set to 'application/json'.</h1>"))
		resp.CloseConnection()
		return false, c.writeResponse(resp)
	}

	if user == nil {
		c.log.Warn("Unauthorized request", logger.LogFields{
			"method": hreq.Method,
			"target": hreq.RequestURI,
			"peer":   c.peerAddr,
		})
		setUnauthorizedBody(resp, hreq.Header.Get("Accept"))
		return false, c.writeResponse(resp)
	}

	// The ceiling is fixed before the body is touched.
	limit := auth.EffectiveBodyLimit(user, c.bodyRules)
	body, err := c.cr.readBody(hreq, limit)
	if err != nil {
		if c.isShutdownErr(err) {
			return false, nil
		}
		// A transport failure mid-body is indistinguishable from a
		// protocol-level body error, so both surface as 400.
		setBadRequestBody(resp, hreq.Header.Get("Accept"), err.Error())
		return false, c.writeResponse(resp)
	}

	req := &Request{
		Method:     hreq.Method,
		Target:     hreq.RequestURI,
		ProtoMajor: hreq.ProtoMajor,
		ProtoMinor: hreq.ProtoMinor,
		Header:     hreq.Header,
		Body:       body,
	}

	c.markInFlight()

	release, waited, err := c.gate.Acquire(c.ctx)
	*gateWait = waited
	if err != nil {
		return false, err
	}
	c.metrics.gateWaited(waited.Seconds())

	handlerErr := func() (herr error) {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				herr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return c.dispatcher.Serve(c.ctx, &Responder{conn: c, Response: resp}, req, user)
	}()

	if handlerErr != nil {
		if c.streaming.Load() {
			// The handler owns the stream now; no response can be
			// safely written.
			return false, nil
		}
		if c.isShutdownErr(handlerErr) {
			// Cancellation is not a handler failure.
			return false, handlerErr
		}
		errResp := NewResponse()
		setInternalErrorBody(errResp, handlerErr.Error())
		if !req.KeepAlive() {
			errResp.CloseConnection()
		}
		if werr := c.writeResponse(errResp); werr != nil {
			return false, werr
		}
		resp.StatusCode = errResp.StatusCode
		return req.KeepAlive(), nil
	}

	if c.streaming.Load() {
		return false, nil
	}

	if werr := c.writeResponse(resp); werr != nil {
		return false, werr
	}
	return req.KeepAlive(), nil
}

// checkLiveness periodically evicts the connection once it has been idle
// past the threshold. The wait is cancellable so an external disconnect
// wakes it immediately.
func (c *Connection) checkLiveness() {
	timer := time.NewTimer(c.livenessPeriod)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		if c.shuttingDown.Load() {
			return
		}

		seen := c.lastSeen.Load()
		if seen != inFlightSentinel {
			idle := time.Since(time.Unix(0, seen))
			if idle > c.idleTimeout {
				c.log.Info("No messages for HTTP connection have been received recently, closing it", logger.LogFields{
					"peer": c.peerAddr,
					"idle": idle.String(),
				})
				c.metrics.idleEvicted()
				c.Disconnect()
				return
			}
		}

		timer.Reset(c.livenessPeriod)
	}
}

// startStreaming flips the connection into streaming mode: writes the
// pending response head with chunked framing, hands a chunk writer to the
// handler and spawns the read task that detects peer-initiated closure.
func (c *Connection) startStreaming(resp *Response) (io.WriteCloser, error) {
	if c.shuttingDown.Load() {
		return nil, net.ErrClosed
	}
	if !c.streaming.CompareAndSwap(false, true) {
		return nil, errors.New("streaming already started on this connection")
	}

	if err := resp.WriteChunkedHead(c.bw); err != nil {
		return nil, err
	}
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}

	go c.watchStreamClosure()

	return newStreamWriter(c), nil
}

// watchStreamClosure blocks on transport reads for the rest of the
// connection's life. No parsing happens here; the first read failure of
// any kind means the peer is gone and the connection is reclaimed.
func (c *Connection) watchStreamClosure() {
	if c.shuttingDown.Load() {
		return
	}
	buf := make([]byte, 128)
	for {
		if _, err := c.stream.Read(buf); err != nil {
			break
		}
	}
	c.Disconnect()
}

func (c *Connection) writeResponse(resp *Response) error {
	if err := resp.Write(c.bw); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Connection) writeContinue() error {
	if _, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// isShutdownErr reports whether an error is the expected result of an
// explicit disconnect or scheduler shutdown rather than a genuine failure.
func (c *Connection) isShutdownErr(err error) bool {
	if c.shuttingDown.Load() {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
