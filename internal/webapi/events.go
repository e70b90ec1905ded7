package webapi

import (
	"fmt"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

// eventsJS defines Event, EventTarget, MessageEvent, CustomEvent,
// DOMException, AbortSignal and AbortController.
const eventsJS = `
(function() {
class DOMException extends Error {
	constructor(message, name) {
		super(message === undefined ? '' : String(message));
		this.name = name === undefined ? 'Error' : String(name);
		this.code = 0;
	}
}

class Event {
	constructor(type, options) {
		if (arguments.length === 0) throw new TypeError('Event constructor requires a type');
		this.type = String(type);
		this.bubbles = !!(options && options.bubbles);
		this.cancelable = !!(options && options.cancelable);
		this.defaultPrevented = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = Date.now();
		this._stop = false;
	}
	preventDefault() {
		if (this.cancelable) this.defaultPrevented = true;
	}
	stopPropagation() {}
	stopImmediatePropagation() { this._stop = true; }
}

class EventTarget {
	constructor() {
		Object.defineProperty(this, '_listeners', { value: {}, enumerable: false });
	}
	addEventListener(type, callback, options) {
		if (typeof callback !== 'function' && !(callback && typeof callback.handleEvent === 'function')) return;
		var list = this._listeners[type] || (this._listeners[type] = []);
		for (var i = 0; i < list.length; i++) {
			if (list[i].callback === callback) return;
		}
		list.push({ callback: callback, once: !!(options && typeof options === 'object' && options.once) });
	}
	removeEventListener(type, callback) {
		var list = this._listeners[type];
		if (!list) return;
		this._listeners[type] = list.filter(function(l) { return l.callback !== callback; });
	}
	dispatchEvent(event) {
		event.target = this;
		event.currentTarget = this;
		var handler = this['on' + event.type];
		if (typeof handler === 'function') handler.call(this, event);
		var list = (this._listeners[event.type] || []).slice();
		for (var i = 0; i < list.length && !event._stop; i++) {
			var l = list[i];
			if (l.once) this.removeEventListener(event.type, l.callback);
			if (typeof l.callback === 'function') l.callback.call(this, event);
			else l.callback.handleEvent(event);
		}
		event.currentTarget = null;
		return !event.defaultPrevented;
	}
}

class MessageEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.data = init && init.data !== undefined ? init.data : null;
		this.origin = (init && init.origin) || '';
		this.lastEventId = (init && init.lastEventId) || '';
		this.source = null;
		this.ports = [];
	}
}

class CustomEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.detail = init && init.detail !== undefined ? init.detail : null;
	}
}

class AbortSignal extends EventTarget {
	constructor() {
		super();
		this.aborted = false;
		this.reason = undefined;
		this.onabort = null;
	}
	throwIfAborted() {
		if (this.aborted) throw this.reason;
	}
	_abort(reason) {
		if (this.aborted) return;
		this.aborted = true;
		this.reason = reason;
		this.dispatchEvent(new Event('abort'));
	}
	static abort(reason) {
		var s = new AbortSignal();
		s._abort(reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError'));
		return s;
	}
	static timeout(ms) {
		var s = new AbortSignal();
		setTimeout(function() {
			s._abort(new DOMException('The operation timed out.', 'TimeoutError'));
		}, ms);
		return s;
	}
}

class AbortController {
	constructor() { this.signal = new AbortSignal(); }
	abort(reason) {
		this.signal._abort(reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError'));
	}
}

globalThis.DOMException = DOMException;
globalThis.Event = Event;
globalThis.EventTarget = EventTarget;
globalThis.MessageEvent = MessageEvent;
globalThis.CustomEvent = CustomEvent;
globalThis.AbortSignal = AbortSignal;
globalThis.AbortController = AbortController;
})();
`

// SetupEvents evaluates the DOM event and abort polyfills. Most other
// setups expect it to have run first.
func SetupEvents(rt engine.Runtime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(eventsJS); err != nil {
		return fmt.Errorf("evaluating events.js: %w", err)
	}
	return nil
}
