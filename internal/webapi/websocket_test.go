package webapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/websocket"

	"github.com/cryguy/hostjs/internal/permissions"
)

// echoServer echoes every message and closes with 4000 on "bye".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"chat"}})
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText && string(data) == "bye" {
				_ = c.Close(4000, "server done")
				return
			}
			if err := c.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func allowNet(t *testing.T) *permissions.Container {
	t.Helper()
	c, err := permissions.New(permissions.Options{AllowNet: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestWebSocketEcho(t *testing.T) {
	srv := echoServer(t)
	env := newTestEnv(t, SetupWebSocket(WebSocketOptions{Perms: allowNet(t)}))
	env.eval(t, `
		globalThis.log = [];
		var ws = new WebSocket(`+jsonString(srv.URL)+`, 'chat');
		log.push('state:' + ws.readyState);
		ws.onopen = function() {
			log.push('open:' + ws.protocol);
			ws.send('hi');
			ws.send(new Uint8Array([1, 2, 3]));
		};
		ws.onmessage = function(e) {
			if (typeof e.data === 'string') {
				log.push(e.data);
				return;
			}
			log.push('bin:' + e.data.byteLength);
			ws.send('bye');
		};
		ws.addEventListener('close', function(e) {
			log.push('close:' + e.code + ':' + e.reason + ':' + e.wasClean + ':' + ws.readyState);
		});
		''`)
	env.drain(t)
	want := "state:0|open:chat|hi|bin:3|close:4000:server done:true:3"
	if got := env.eval(t, "log.join('|')"); got != want {
		t.Fatalf("log = %q, want %q", got, want)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	env := newTestEnv(t, SetupWebSocket(WebSocketOptions{Perms: allowNet(t)}))
	env.eval(t, `
		globalThis.log = [];
		var ws = new WebSocket(`+jsonString(srv.URL)+`);
		ws.onerror = function() { log.push('error'); };
		ws.onclose = function(e) { log.push('close:' + e.code + ':' + e.wasClean); };
		''`)
	env.drain(t)
	if got := env.eval(t, "log.join('|')"); got != "error|close:1006:false" {
		t.Fatalf("log = %q", got)
	}
}

func TestWebSocketChecksPermissions(t *testing.T) {
	env := newTestEnv(t, SetupWebSocket(WebSocketOptions{}))
	got := env.eval(t, `try { new WebSocket('ws://127.0.0.1:9/'); 'no' } catch (e) { e.name }`)
	if got != "PermissionDenied" {
		t.Fatalf("denied connect = %q", got)
	}
	got = env.eval(t, `try { new WebSocket('ftp://example.com/'); 'no' } catch (e) { e.name }`)
	if got != "SyntaxError" {
		t.Fatalf("bad scheme = %q", got)
	}
	got = env.eval(t, `try { new WebSocketPair()[0].close(1001); 'no' } catch (e) { e.name }`)
	if got != "InvalidAccessError" {
		t.Fatalf("bad close code = %q", got)
	}
}

func TestWebSocketPair(t *testing.T) {
	env := newTestEnv(t, SetupWebSocket(WebSocketOptions{}))
	env.eval(t, `
		globalThis.log = [];
		var [a, b] = new WebSocketPair();
		a.accept();
		b.accept();
		b.onmessage = function(e) { log.push('b:' + e.data); };
		a.onmessage = function(e) { log.push('a:' + new Uint8Array(e.data)[0]); };
		b.onclose = function(e) { log.push('closed:' + e.code); };
		a.send('ping');
		b.send(new Uint8Array([9]));
		a.close(3001, 'done');
		''`)
	env.rt.RunMicrotasks()
	if got := env.eval(t, "log.join('|') + '|' + a.readyState + b.readyState"); got != "b:ping|a:9|closed:3001|33" {
		t.Fatalf("log = %q", got)
	}
}
