package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/permissions"
)

// DefaultMaxMessageBytes caps one incoming WebSocket message when
// WebSocketOptions leaves it unset.
const DefaultMaxMessageBytes = 64 * 1024

const wsWriteTimeout = 5 * time.Second

// webSocketJS defines the client WebSocket class, CloseEvent and the
// in-process WebSocketPair.
const webSocketJS = `
(function() {
	var sockets = {};

	class CloseEvent extends Event {
		constructor(type, init) {
			super(type, init);
			this.code = (init && init.code) || 0;
			this.reason = (init && init.reason) || '';
			this.wasClean = !!(init && init.wasClean);
		}
	}

	function payload(data) {
		if (typeof data === 'string') return { text: true, data: data };
		if (data instanceof Blob) return { text: false, data: __bytesToB64(data._bytes) };
		if (data instanceof ArrayBuffer || ArrayBuffer.isView(data)) return { text: false, data: __bytesToB64(data) };
		return { text: true, data: String(data) };
	}

	class WebSocket extends EventTarget {
		constructor(url, protocols) {
			if (arguments.length === 0) throw new TypeError('WebSocket requires a URL');
			super();
			this.onopen = null;
			this.onmessage = null;
			this.onerror = null;
			this.onclose = null;
			this.binaryType = 'arraybuffer';
			this._readyState = 0;
			this._protocol = '';
			this._extensions = '';
			this._peer = null;
			this._id = 0;
			if (url === undefined) {
				this._url = '';
				return;
			}
			var u;
			try {
				u = new URL(String(url));
			} catch (e) {
				throw new DOMException("Invalid URL '" + url + "'", 'SyntaxError');
			}
			if (u.protocol === 'http:') u.protocol = 'ws:';
			else if (u.protocol === 'https:') u.protocol = 'wss:';
			if (u.protocol !== 'ws:' && u.protocol !== 'wss:') {
				throw new DOMException("Only ws & wss schemes are allowed in a WebSocket URL: received " + u.protocol, 'SyntaxError');
			}
			if (u.hash) throw new DOMException('Fragments are not allowed in a WebSocket URL', 'SyntaxError');
			if (protocols === undefined) protocols = [];
			else if (typeof protocols === 'string') protocols = [protocols];
			else protocols = Array.from(protocols, String);
			this._url = u.href;
			this._id = __hostUnwrap(__wsOpen(this._url, JSON.stringify(protocols)));
			sockets[this._id] = this;
		}

		accept() {
			if (this._readyState === 0 && this._peer) this._readyState = 1;
		}

		send(data) {
			if (this._readyState === 0) throw new DOMException('WebSocket is not open', 'InvalidStateError');
			if (this._readyState !== 1) return;
			if (this._peer) {
				var peer = this._peer;
				if (peer._readyState >= 2) return;
				var copy = typeof data === 'string' ? data : __toBytes(data instanceof Blob ? data._bytes : data).slice().buffer;
				queueMicrotask(function() {
					peer.dispatchEvent(new MessageEvent('message', { data: copy }));
				});
				return;
			}
			var p = payload(data);
			__hostUnwrap(__wsSend(this._id, p.data, !p.text));
		}

		close(code, reason) {
			if (code !== undefined && code !== 1000 && (code < 3000 || code > 4999)) {
				throw new DOMException('The close code must be either 1000 or in the range of 3000 to 4999.', 'InvalidAccessError');
			}
			reason = reason === undefined ? '' : String(reason);
			if (this._readyState >= 2) return;
			this._readyState = 2;
			var closeCode = code === undefined ? 1000 : code;
			if (this._peer) {
				var self = this, peer = this._peer;
				queueMicrotask(function() {
					self._finish(closeCode, reason, true);
					if (peer._readyState < 3) peer._finish(closeCode, reason, true);
				});
				return;
			}
			__wsClose(this._id, closeCode, reason);
		}

		_finish(code, reason, wasClean) {
			if (this._readyState === 3) return;
			this._readyState = 3;
			delete sockets[this._id];
			this.dispatchEvent(new CloseEvent('close', { code: code, reason: reason, wasClean: wasClean }));
		}

		get readyState() { return this._readyState; }
		get url() { return this._url; }
		get protocol() { return this._protocol; }
		get extensions() { return this._extensions; }
		get bufferedAmount() { return 0; }
		get [Symbol.toStringTag]() { return 'WebSocket'; }
	}
	WebSocket.CONNECTING = 0;
	WebSocket.OPEN = 1;
	WebSocket.CLOSING = 2;
	WebSocket.CLOSED = 3;

	class WebSocketPair {
		constructor() {
			var ws0 = new WebSocket();
			var ws1 = new WebSocket();
			ws0._peer = ws1;
			ws1._peer = ws0;
			this[0] = ws0;
			this[1] = ws1;
		}
	}
	WebSocketPair.prototype[Symbol.iterator] = function() {
		return [this[0], this[1]][Symbol.iterator]();
	};

	Object.defineProperty(globalThis, '__wsEvent', {
		value: function(id, type, rec) {
			var ws = sockets[id];
			if (!ws) return;
			switch (type) {
			case 'open':
				ws._readyState = 1;
				ws._protocol = rec.protocol || '';
				ws.dispatchEvent(new Event('open'));
				break;
			case 'message':
				if (ws._readyState !== 1) return;
				var data = rec.data || '';
				if (!rec.text) {
					var bytes = __b64ToBytes(data);
					data = ws.binaryType === 'blob' ? new Blob([bytes]) : bytes.buffer;
				}
				ws.dispatchEvent(new MessageEvent('message', { data: data, origin: new URL(ws._url).origin }));
				break;
			case 'error':
				ws.dispatchEvent(new ErrorEvent('error', { message: rec.message }));
				break;
			case 'close':
				ws._finish(rec.code || 1005, rec.reason || '', !!rec.wasClean);
				break;
			}
		}
	});

	if (typeof globalThis.ErrorEvent !== 'function') {
		globalThis.ErrorEvent = class ErrorEvent extends Event {
			constructor(type, init) {
				super(type, init);
				this.message = (init && init.message) || '';
				this.error = init && init.error;
			}
		};
	}
	globalThis.CloseEvent = CloseEvent;
	globalThis.WebSocket = WebSocket;
	globalThis.WebSocketPair = WebSocketPair;
})();
`

// WebSocketOptions configures SetupWebSocket.
type WebSocketOptions struct {
	// Client carries the handshake. It defaults to a fresh http.Client.
	Client *http.Client
	// Perms gates every connection. nil denies all.
	Perms *permissions.Container
	// UserAgent is sent with the handshake when set.
	UserAgent string
	// MaxMessageBytes defaults to DefaultMaxMessageBytes.
	MaxMessageBytes int64
}

type wsEventRecord struct {
	Protocol string `json:"protocol,omitempty"`
	Text     bool   `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	Message  string `json:"message,omitempty"`
	Code     int    `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	WasClean bool   `json:"wasClean,omitempty"`
}

// wsConn is one client connection. The JS goroutine writes; a reader
// goroutine owns Read and reports through the event loop.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

// webSockets tracks the open connections of one isolate.
type webSockets struct {
	opts WebSocketOptions
	el   *eventloop.EventLoop
	next atomic.Int64

	mu    sync.Mutex
	conns map[int64]*wsConn
}

func (s *webSockets) deliver(task *eventloop.Task, id int64, typ string, rec wsEventRecord) {
	script := fmt.Sprintf("__wsEvent(%d, %s, %s)", id, quoteJS(typ), jsonString(rec))
	task.Complete(func(rt engine.Runtime) error { return rt.Eval(script) })
}

// open checks permissions synchronously and dials in the background. The
// "websocket" task stays pending until the connection is closed, which
// keeps the event loop alive for as long as the socket is open.
func (s *webSockets) open(rawURL, protocolsJSON string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return syncResult(nil, typeError("Invalid URL: '%s'", rawURL))
	}
	if err := s.opts.Perms.CheckURL(u); err != nil {
		return syncResult(nil, err)
	}
	var protocols []string
	if err := json.Unmarshal([]byte(protocolsJSON), &protocols); err != nil {
		return syncResult(nil, typeError("WebSocket: decoding protocols: %v", err))
	}

	id := s.next.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{cancel: cancel}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	live := s.el.StartTask("websocket")
	go s.run(ctx, id, c, u, protocols, live)
	return syncResult(id, nil)
}

func (s *webSockets) run(ctx context.Context, id int64, c *wsConn, u *url.URL, protocols []string, live *eventloop.Task) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		c.cancel()
	}()

	header := http.Header{}
	if s.opts.UserAgent != "" {
		header.Set("User-Agent", s.opts.UserAgent)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   s.opts.Client,
		HTTPHeader:   header,
		Subprotocols: protocols,
	})
	if err != nil {
		s.deliver(s.el.StartTask("websocket"), id, "error", wsEventRecord{Message: err.Error()})
		s.deliver(live, id, "close", wsEventRecord{Code: int(websocket.StatusAbnormalClosure)})
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.deliver(live, id, "close", wsEventRecord{Code: int(websocket.StatusNormalClosure), WasClean: true})
		return
	}
	c.conn = conn
	c.mu.Unlock()
	s.deliver(s.el.StartTask("websocket"), id, "open", wsEventRecord{Protocol: conn.Subprotocol()})

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.deliver(live, id, "close", closeRecord(err))
			return
		}
		rec := wsEventRecord{Text: typ == websocket.MessageText}
		if rec.Text {
			rec.Data = string(data)
		} else {
			rec.Data = base64.StdEncoding.EncodeToString(data)
		}
		s.deliver(s.el.StartTask("websocket"), id, "message", rec)
	}
}

// closeRecord turns the error that ended a read loop into a close event.
func closeRecord(err error) wsEventRecord {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return wsEventRecord{Code: int(ce.Code), Reason: ce.Reason, WasClean: true}
	}
	return wsEventRecord{Code: int(websocket.StatusAbnormalClosure)}
}

func (s *webSockets) lookup(id int) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[int64(id)]
}

// send writes one message. Like the rest of the web APIs it blocks the JS
// goroutine for at most wsWriteTimeout.
func (s *webSockets) send(id int, data string, binary bool) string {
	c := s.lookup(id)
	if c == nil {
		return syncResult(nil, nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return syncResult(nil, nil)
	}
	typ, payload := websocket.MessageText, []byte(data)
	if binary {
		var err error
		if payload, err = base64.StdEncoding.DecodeString(data); err != nil {
			return syncResult(nil, typeError("WebSocket: decoding message: %v", err))
		}
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, typ, payload); err != nil {
		return syncResult(nil, typeError("WebSocket: send failed: %v", err))
	}
	return syncResult(nil, nil)
}

// close starts the closing handshake. The close event arrives once the
// reader goroutine sees the connection end.
func (s *webSockets) close(id, code int, reason string) {
	c := s.lookup(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn == nil {
		c.cancel()
		return
	}
	conn := c.conn
	go func() { _ = conn.Close(websocket.StatusCode(code), reason) }()
}

// closeAll drops every connection without a handshake.
func (s *webSockets) closeAll() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		c.closed = true
		if c.conn != nil {
			_ = c.conn.CloseNow()
		}
		c.mu.Unlock()
		c.cancel()
	}
}

// SetupWebSocket installs WebSocket, CloseEvent and WebSocketPair.
// Connection events are delivered as event-loop host tasks.
func SetupWebSocket(opts WebSocketOptions) Setup {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Perms == nil {
		opts.Perms, _ = permissions.New(permissions.Options{})
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return func(rt engine.Runtime, el *eventloop.EventLoop) error {
		s := &webSockets{opts: opts, el: el, conns: make(map[int64]*wsConn)}
		engine.SetSlot(rt.Slots(), s)
		if err := rt.RegisterFunc("__wsOpen", s.open); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__wsSend", s.send); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__wsClose", s.close); err != nil {
			return err
		}
		if err := rt.Eval(webSocketJS); err != nil {
			return fmt.Errorf("evaluating websocket.js: %w", err)
		}
		return nil
	}
}

// WebSocketTeardown closes the connections a closing worker left open.
func WebSocketTeardown() Setup {
	return func(rt engine.Runtime, _ *eventloop.EventLoop) error {
		if s, ok := engine.GetSlot[*webSockets](rt.Slots()); ok {
			s.closeAll()
		}
		return nil
	}
}
