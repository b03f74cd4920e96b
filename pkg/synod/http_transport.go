package synod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const SourceIdHeader = "X-Synod-Source-Id"

// Protocol messages are a few hundred bytes.
const MaxMsgSize = 16 * 1024

type HTTPTransportCfg struct {
	Synod  *Synod
	Logger Logger

	// Served on GET /metrics when set, typically a promhttp handler.
	MetricsHandler http.Handler

	// Errors which prevent the transport from serving requests.
	ErrorChan chan<- error

	RequestTimeout time.Duration
}

// HTTPTransport sends each message as a POST request to the public address
// of the recipient. Replies are not carried by HTTP responses: they are
// messages of their own.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	synod *Synod

	listener   net.Listener
	httpServer *http.Server
	httpClient *http.Client

	incoming chan IncomingMsg

	stopChan chan struct{}
	stopOnce sync.Once
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 10,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   timeout,
		Transport: &transport,
	}

	return &client
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if cfg.Synod == nil {
		return nil, fmt.Errorf("missing synod")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		synod: cfg.Synod,

		httpClient: newHTTPClient(cfg.RequestTimeout),

		incoming: make(chan IncomingMsg, 64),

		stopChan: make(chan struct{}),
	}

	return t, nil
}

func (t *HTTPTransport) Incoming() <-chan IncomingMsg {
	return t.incoming
}

// Addr returns the address the transport is listening on, which differs
// from the configured endpoint when the latter uses port 0.
func (t *HTTPTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}

	return t.listener.Addr()
}

func (t *HTTPTransport) Start() error {
	address := string(t.synod.IntercomEndpoint())

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	t.listener = listener

	t.Log.Info("listening on %s", listener.Addr())

	t.httpServer = &http.Server{
		Addr:              address,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	go func() {
		defer recoverGoroutine(t.Log, "http server")

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			t.Log.Error("server error: %v", err)

			if t.Cfg.ErrorChan != nil {
				t.Cfg.ErrorChan <- fmt.Errorf("server error: %w", err)
			}
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)

		if t.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			t.httpServer.Shutdown(ctx)
		}

		t.httpClient.CloseIdleConnections()
	})
}

func (t *HTTPTransport) SendTo(recipientId NodeId, msg Msg) error {
	localId := t.synod.LocalNode()

	if recipientId == localId {
		// Messages to self do not need the network.
		if !t.enqueue(IncomingMsg{SourceId: localId, Msg: msg}) {
			return fmt.Errorf("transport stopped")
		}

		return nil
	}

	msgData, err := EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	addr, err := t.synod.ResolveMember(recipientId)
	if err != nil {
		return err
	}

	uri := url.URL{
		Scheme: "http",
		Host:   addr.String(),
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceIdHeader, string(localId))

	res, err := t.httpClient.Do(req)
	if err != nil {
		// The address may have changed; resolve it again next time.
		t.synod.Forget(recipientId)

		return fmt.Errorf("cannot send %v to %s: %w", msg, addr, err)
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var msg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		}

		return fmt.Errorf("http request to %s failed with status %d%s",
			addr, res.StatusCode, msg)
	}

	return nil
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == "GET" && req.URL.Path == "/metrics" &&
		t.Cfg.MetricsHandler != nil {
		t.Cfg.MetricsHandler.ServeHTTP(w, req)
		return
	}

	if req.Method != "POST" {
		t.replyError(w, 405, "unsupported method %s", req.Method)
		return
	}

	sourceId := NodeId(req.Header.Get(SourceIdHeader))
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty %s header field", SourceIdHeader)
		return
	}

	if !t.synod.BelongsToSynod(sourceId) {
		t.replyError(w, 403, "unknown synod member %q", sourceId)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxMsgSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			t.replyError(w, 413, "request body larger than %d bytes",
				MaxMsgSize)
			return
		}

		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	if !t.enqueue(IncomingMsg{SourceId: sourceId, Msg: msg}) {
		t.replyError(w, 503, "transport stopped")
		return
	}

	w.WriteHeader(204)
}

func (t *HTTPTransport) enqueue(msg IncomingMsg) bool {
	select {
	case <-t.stopChan:
		return false
	default:
	}

	select {
	case t.incoming <- msg:
		return true
	case <-t.stopChan:
		return false
	}
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)

	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}
