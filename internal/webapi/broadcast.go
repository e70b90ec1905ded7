package webapi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

// BroadcastHub routes BroadcastChannel messages between channels of the
// same name. One hub may be shared by many workers; each channel receives
// messages on its own worker's event loop. The zero value is ready to use.
type BroadcastHub struct {
	mu     sync.Mutex
	nextID atomic.Int64
	subs   map[string]map[int64]*eventloop.EventLoop
}

// NewBroadcastHub returns an empty hub.
func NewBroadcastHub() *BroadcastHub {
	return &BroadcastHub{subs: make(map[string]map[int64]*eventloop.EventLoop)}
}

func (h *BroadcastHub) open(name string, el *eventloop.EventLoop) int64 {
	id := h.nextID.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[string]map[int64]*eventloop.EventLoop)
	}
	m := h.subs[name]
	if m == nil {
		m = make(map[int64]*eventloop.EventLoop)
		h.subs[name] = m
	}
	m[id] = el
	return id
}

func (h *BroadcastHub) close(name string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[name]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(h.subs, name)
		}
	}
}

// Detach drops every channel opened on el.
func (h *BroadcastHub) Detach(el *eventloop.EventLoop) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, m := range h.subs {
		for id, owner := range m {
			if owner == el {
				delete(m, id)
			}
		}
		if len(m) == 0 {
			delete(h.subs, name)
		}
	}
}

// post delivers wire to every other channel named name.
func (h *BroadcastHub) post(name string, from int64, wire string) {
	h.mu.Lock()
	targets := make(map[int64]*eventloop.EventLoop, len(h.subs[name]))
	for id, el := range h.subs[name] {
		if id != from {
			targets[id] = el
		}
	}
	h.mu.Unlock()

	for id, el := range targets {
		script := fmt.Sprintf("__bcDeliver(%d, %s)", id, quoteJS(wire))
		el.StartTask("broadcast").Complete(func(rt engine.Runtime) error {
			return rt.Eval(script)
		})
	}
}

const broadcastJS = `
(function() {
	var channels = {};
	class BroadcastChannel extends EventTarget {
		constructor(name) {
			if (arguments.length === 0) throw new TypeError('BroadcastChannel requires a name');
			super();
			this.name = String(name);
			this.onmessage = null;
			this.onmessageerror = null;
			this._closed = false;
			this._id = __bcOpen(this.name);
			channels[this._id] = this;
		}
		postMessage(message) {
			if (this._closed) throw new DOMException('BroadcastChannel is closed.', 'InvalidStateError');
			__bcPost(this.name, this._id, __hostBridge.encode(structuredClone(message)));
		}
		close() {
			if (this._closed) return;
			this._closed = true;
			delete channels[this._id];
			__bcClose(this.name, this._id);
		}
		get [Symbol.toStringTag]() { return 'BroadcastChannel'; }
	}
	Object.defineProperty(globalThis, '__bcDeliver', {
		value: function(id, wire) {
			var ch = channels[id];
			if (!ch || ch._closed) return;
			ch.dispatchEvent(new MessageEvent('message', { data: __hostBridge.parse(wire) }));
		}
	});
	globalThis.BroadcastChannel = BroadcastChannel;
})();
`

// SetupBroadcastChannel installs BroadcastChannel on hub.
func SetupBroadcastChannel(hub *BroadcastHub) Setup {
	return func(rt engine.Runtime, el *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__bcOpen", func(name string) int {
			return int(hub.open(name, el))
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__bcPost", func(name string, id int, wire string) {
			hub.post(name, int64(id), wire)
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__bcClose", func(name string, id int) {
			hub.close(name, int64(id))
		}); err != nil {
			return err
		}
		if err := rt.Eval(broadcastJS); err != nil {
			return fmt.Errorf("evaluating broadcast.js: %w", err)
		}
		return nil
	}
}

func quoteJS(s string) string {
	return jsonString(s)
}

// BroadcastTeardown detaches a closing worker's channels from hub.
func BroadcastTeardown(hub *BroadcastHub) Setup {
	return func(_ engine.Runtime, el *eventloop.EventLoop) error {
		hub.Detach(el)
		return nil
	}
}
