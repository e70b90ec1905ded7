package webstorage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/webapi"
)

const storageJS = `
(function(areas) {
	function call(area, op, key, value) {
		var r = JSON.parse(__storage(area, op, key, value));
		if (r.error) {
			if (typeof DOMException === 'function' && r.error.name === 'QuotaExceededError') {
				throw new DOMException(r.error.message, 'QuotaExceededError');
			}
			throw new TypeError(r.error.message);
		}
		return r.v;
	}
	function needs(n, args, what) {
		if (args.length < n) throw new TypeError("Failed to execute '" + what + "' on 'Storage': " + n + ' argument' + (n > 1 ? 's' : '') + ' required');
	}

	var areaOf = new WeakMap();
	function areaFor(s) {
		var a = areaOf.get(s);
		if (a === undefined) throw new TypeError('Illegal invocation');
		return a;
	}

	class Storage {
		constructor() { throw new TypeError('Illegal constructor'); }
		get length() { return call(areaFor(this), 'length', '', ''); }
		key(index) {
			needs(1, arguments, 'key');
			return call(areaFor(this), 'key', String(Number(index) | 0), '');
		}
		getItem(key) {
			needs(1, arguments, 'getItem');
			return call(areaFor(this), 'get', String(key), '');
		}
		setItem(key, value) {
			needs(2, arguments, 'setItem');
			call(areaFor(this), 'set', String(key), String(value));
		}
		removeItem(key) {
			needs(1, arguments, 'removeItem');
			call(areaFor(this), 'remove', String(key), '');
		}
		clear() { call(areaFor(this), 'clear', '', ''); }
		get [Symbol.toStringTag]() { return 'Storage'; }
	}

	function isOwn(target, key) {
		return typeof key === 'symbol' || key in Storage.prototype;
	}
	function wrap(area) {
		var target = Object.create(Storage.prototype);
		areaOf.set(target, area);
		var proxy = new Proxy(target, {
			get: function(target, key, receiver) {
				if (isOwn(target, key)) return Reflect.get(target, key, target);
				var v = call(area, 'get', String(key), '');
				return v === null ? undefined : v;
			},
			set: function(target, key, value) {
				if (typeof key === 'symbol') return Reflect.set(target, key, value);
				call(area, 'set', String(key), String(value));
				return true;
			},
			has: function(target, key) {
				if (isOwn(target, key)) return true;
				return call(area, 'get', String(key), '') !== null;
			},
			deleteProperty: function(target, key) {
				if (typeof key === 'symbol') return Reflect.deleteProperty(target, key);
				call(area, 'remove', String(key), '');
				return true;
			},
			ownKeys: function() { return call(area, 'keys', '', ''); },
			getOwnPropertyDescriptor: function(target, key) {
				if (isOwn(target, key)) return Reflect.getOwnPropertyDescriptor(target, key);
				var v = call(area, 'get', String(key), '');
				if (v === null) return undefined;
				return { value: v, writable: true, enumerable: true, configurable: true };
			}
		});
		areaOf.set(proxy, area);
		return proxy;
	}

	globalThis.Storage = Storage;
	areas.forEach(function(area) {
		var inst = null;
		Object.defineProperty(globalThis, area, {
			configurable: true,
			enumerable: true,
			get: function() { return inst || (inst = wrap(area)); }
		});
	});
})
`

// Areas maps a global name ("localStorage" or "sessionStorage") to its
// store. A nil store leaves that global undefined.
type Areas struct {
	Local   *Store
	Session *Store
}

func (a Areas) lookup(name string) *Store {
	switch name {
	case "localStorage":
		return a.Local
	case "sessionStorage":
		return a.Session
	}
	return nil
}

func (s *Store) call(op, key, value string) (any, error) {
	switch op {
	case "get":
		v, ok, err := s.GetItem(key)
		if err != nil || !ok {
			return nil, err
		}
		return v, nil
	case "set":
		err := s.SetItem(key, value)
		if errors.Is(err, ErrQuotaExceeded) {
			return nil, &webapi.HostError{Name: "QuotaExceededError", Message: err.Error()}
		}
		return nil, err
	case "remove":
		return nil, s.RemoveItem(key)
	case "clear":
		return nil, s.Clear()
	case "key":
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, err
		}
		k, ok, err := s.Key(n)
		if err != nil || !ok {
			return nil, err
		}
		return k, nil
	case "length":
		return s.Len()
	case "keys":
		return s.Keys()
	}
	return nil, fmt.Errorf("unknown storage operation %q", op)
}

// Setup installs Storage plus the globals whose stores are set in areas.
func Setup(areas Areas) webapi.Setup {
	return func(rt engine.Runtime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__storage", func(area, op, key, value string) string {
			s := areas.lookup(area)
			if s == nil {
				return webapi.SyncResult(nil, fmt.Errorf("%s is not available", area))
			}
			return webapi.SyncResult(s.call(op, key, value))
		}); err != nil {
			return err
		}
		names := []string{}
		if areas.Local != nil {
			names = append(names, "localStorage")
		}
		if areas.Session != nil {
			names = append(names, "sessionStorage")
		}
		list, err := json.Marshal(names)
		if err != nil {
			return err
		}
		if err := rt.Eval(storageJS + "(" + string(list) + ");"); err != nil {
			return fmt.Errorf("evaluating storage.js: %w", err)
		}
		return nil
	}
}
