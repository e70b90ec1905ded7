package webapi

import (
	"context"
	"io"
	"log/slog"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

const consoleJS = `
(function() {
	function inspect(v, depth, seen) {
		if (v === null) return 'null';
		switch (typeof v) {
		case 'string': return depth === 0 ? v : JSON.stringify(v);
		case 'undefined': return 'undefined';
		case 'function': return '[Function: ' + (v.name || '(anonymous)') + ']';
		case 'symbol':
		case 'bigint':
		case 'number':
		case 'boolean':
			return String(v);
		}
		if (v instanceof Error) return v.stack || (v.name + ': ' + v.message);
		if (seen.indexOf(v) !== -1) return '[Circular]';
		if (depth > 4) return Array.isArray(v) ? '[Array]' : '[Object]';
		seen.push(v);
		try {
			if (Array.isArray(v)) {
				return '[ ' + v.map(function(x) { return inspect(x, depth + 1, seen); }).join(', ') + ' ]';
			}
			if (v instanceof Date || (typeof URL === 'function' && v instanceof URL)) {
				return v.toString();
			}
			var keys = Object.keys(v);
			if (keys.length === 0) return '{}';
			return '{ ' + keys.map(function(k) {
				return k + ': ' + inspect(v[k], depth + 1, seen);
			}).join(', ') + ' }';
		} finally {
			seen.pop();
		}
	}
	function format(args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) parts.push(inspect(args[i], 0, []));
		return parts.join(' ');
	}

	var con = {};
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(lvl) {
		con[lvl] = function() { __console(lvl, format(arguments)); };
	});
	con.trace = function() { __console('error', 'Trace: ' + format(arguments)); };
	con.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		__console('error', rest.length ? 'Assertion failed: ' + format(rest) : 'Assertion failed');
	};
	con.dir = function(v) { __console('log', inspect(v, 1, [])); };

	var counters = {};
	con.count = function(label) {
		var l = label === undefined ? 'default' : String(label);
		counters[l] = (counters[l] || 0) + 1;
		__console('log', l + ': ' + counters[l]);
	};
	con.countReset = function(label) {
		counters[label === undefined ? 'default' : String(label)] = 0;
	};

	var timers = {};
	con.time = function(label) { timers[label === undefined ? 'default' : String(label)] = Date.now(); };
	con.timeEnd = function(label) {
		var l = label === undefined ? 'default' : String(label);
		if (!(l in timers)) { __console('warn', 'Timer "' + l + '" does not exist'); return; }
		__console('log', l + ': ' + (Date.now() - timers[l]) + 'ms');
		delete timers[l];
	};
	globalThis.console = con;
})();
`

var consoleLevels = map[string]slog.Level{
	"log":   slog.LevelInfo,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SetupConsole installs a console that writes lines to stdio and mirrors
// them to logger. warn and error go to Stderr, everything else to Stdout.
func SetupConsole(stdio Stdio, logger *slog.Logger) Setup {
	stdio = stdio.WithDefaults()
	return func(rt engine.Runtime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(level, msg string) {
			w := stdio.Stdout
			if level == "warn" || level == "error" {
				w = stdio.Stderr
			}
			_, _ = io.WriteString(w, msg+"\n")
			if logger != nil {
				lvl, ok := consoleLevels[level]
				if !ok {
					lvl = slog.LevelInfo
				}
				logger.Log(context.Background(), lvl, msg, "source", "console", "level", level)
			}
		}); err != nil {
			return err
		}
		return rt.Eval(consoleJS)
	}
}
