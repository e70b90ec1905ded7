package webapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/permissions"
)

// DefaultMaxResponseBytes caps a fetched body when FetchOptions leaves it
// unset.
const DefaultMaxResponseBytes = 64 << 20

// forbiddenHeaders are request headers scripts cannot set.
var forbiddenHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"content-length":    true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
	"trailer":           true,
}

const fetchJS = `
(function() {
	globalThis.fetch = function(input, init) {
		var req;
		try {
			req = new Request(input, init);
		} catch (e) {
			return Promise.reject(e);
		}
		if (req.signal && req.signal.aborted) return Promise.reject(req.signal.reason);
		var record = __fetchStart(JSON.stringify({
			url: req.url,
			method: req.method,
			headers: Array.from(req.headers.entries()),
			body: req._bytes ? __bytesToB64(req._bytes) : '',
			redirect: req.redirect
		}));
		var id = JSON.parse(record).id;
		if (req.signal && id !== undefined) {
			req.signal.addEventListener('abort', function() { __fetchAbort(id); }, { once: true });
		}
		return __hostAwait(record).then(function(r) {
			var res = new Response(null, { status: 200, headers: r.headers });
			res.status = r.status;
			res.statusText = r.statusText;
			res.url = r.url;
			res.redirected = r.redirected;
			res._bytes = r.status === 204 || r.status === 304 || req.method === 'HEAD' ? null : __b64ToBytes(r.body);
			return res;
		});
	};
})();
`

// FetchOptions configures SetupFetch.
type FetchOptions struct {
	// Client defaults to a fresh http.Client. Its CheckRedirect is replaced.
	Client *http.Client
	// Perms gates every network and file access. nil denies all.
	Perms *permissions.Container
	// Blobs serves blob: URLs when set.
	Blobs *BlobStore
	// UserAgent is sent when the request has no User-Agent header.
	UserAgent string
	// MaxResponseBytes defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

type fetchRequest struct {
	URL      string      `json:"url"`
	Method   string      `json:"method"`
	Headers  [][2]string `json:"headers"`
	Body     string      `json:"body"`
	Redirect string      `json:"redirect"`
}

type fetchResponse struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    [][2]string `json:"headers"`
	Body       string      `json:"body"`
	URL        string      `json:"url"`
	Redirected bool        `json:"redirected"`
}

var errAborted = &HostError{Name: "AbortError", Message: "The operation was aborted."}

type fetcher struct {
	opts  FetchOptions
	async *asyncCalls

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

func (f *fetcher) start(raw string) string {
	var req fetchRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return reject(typeError("fetch: decoding request: %v", err))
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return reject(typeError("Invalid URL: '%s'", req.URL))
	}
	switch u.Scheme {
	case "http", "https":
		if err := f.opts.Perms.CheckURL(u); err != nil {
			return reject(err)
		}
	case "file":
		if err := f.opts.Perms.CheckRead(u.Path); err != nil {
			return reject(err)
		}
	case "blob":
		if req.Method != http.MethodGet {
			return reject(typeError("Blob URL fetch only supports GET method"))
		}
	default:
		return reject(typeError("scheme '%s' not supported", u.Scheme))
	}

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return reject(typeError("fetch: decoding body: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := f.async.reserve()
	f.mu.Lock()
	f.cancels[id] = cancel
	f.mu.Unlock()
	return f.async.run(id, "fetch", func() (any, error) {
		defer func() {
			f.mu.Lock()
			delete(f.cancels, id)
			f.mu.Unlock()
			cancel()
		}()
		var (
			res *fetchResponse
			err error
		)
		switch u.Scheme {
		case "blob":
			res, err = f.blob(req.URL)
		case "file":
			res, err = f.file(u)
		default:
			res, err = f.http(ctx, req, u, body)
		}
		if ctx.Err() != nil {
			return nil, errAborted
		}
		return res, err
	})
}

func (f *fetcher) abort(id int64) {
	f.mu.Lock()
	cancel := f.cancels[id]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *fetcher) blob(u string) (*fetchResponse, error) {
	if f.opts.Blobs == nil {
		return nil, typeError("Blob for blob URL not found.")
	}
	e, ok := f.opts.Blobs.Get(u)
	if !ok {
		return nil, typeError("Blob for blob URL not found.")
	}
	return &fetchResponse{
		Status:     http.StatusOK,
		StatusText: "OK",
		Headers: [][2]string{
			{"content-length", fmt.Sprint(len(e.Data))},
			{"content-type", e.Type},
		},
		Body: base64.StdEncoding.EncodeToString(e.Data),
		URL:  u,
	}, nil
}

func (f *fetcher) file(u *url.URL) (*fetchResponse, error) {
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return nil, typeError("error reading file %s: %v", u.Path, err)
	}
	return &fetchResponse{
		Status:     http.StatusOK,
		StatusText: "OK",
		Headers:    [][2]string{{"content-length", fmt.Sprint(len(data))}},
		Body:       base64.StdEncoding.EncodeToString(data),
		URL:        u.String(),
	}, nil
}

func (f *fetcher) http(ctx context.Context, req fetchRequest, u *url.URL, body []byte) (*fetchResponse, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), rd)
	if err != nil {
		return nil, typeError("%v", err)
	}
	for _, h := range req.Headers {
		if forbiddenHeaders[strings.ToLower(h[0])] {
			continue
		}
		httpReq.Header.Add(h[0], h[1])
	}
	if httpReq.Header.Get("User-Agent") == "" && f.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	}

	client := *f.opts.Client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		switch req.Redirect {
		case "manual":
			return http.ErrUseLastResponse
		case "error":
			return typeError("unexpected redirect to %s", next.URL)
		}
		if len(via) >= 20 {
			return typeError("too many redirects")
		}
		return f.opts.Perms.CheckURL(next.URL)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		var he *HostError
		var denied *permissions.DeniedError
		switch {
		case errors.As(err, &he):
			return nil, he
		case errors.As(err, &denied):
			return nil, denied
		}
		return nil, typeError("error sending request for url (%s): %v", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := f.opts.MaxResponseBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, typeError("error reading response body: %v", err)
	}
	if int64(len(data)) > limit {
		return nil, typeError("response body exceeds %d bytes", limit)
	}

	out := &fetchResponse{
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		Body:       base64.StdEncoding.EncodeToString(data),
		URL:        u.String(),
	}
	for name, vals := range resp.Header {
		for _, v := range vals {
			out.Headers = append(out.Headers, [2]string{strings.ToLower(name), v})
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
		out.Redirected = out.URL != u.String()
	}
	return out, nil
}

// SetupFetch installs fetch. Results are delivered as event-loop host
// tasks, so a script must run the loop to see them.
func SetupFetch(opts FetchOptions) Setup {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Perms == nil {
		opts.Perms, _ = permissions.New(permissions.Options{})
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return func(rt engine.Runtime, el *eventloop.EventLoop) error {
		async, err := newAsyncCalls(rt, el)
		if err != nil {
			return err
		}
		f := &fetcher{opts: opts, async: async, cancels: make(map[int64]context.CancelFunc)}
		if err := rt.RegisterFunc("__fetchStart", f.start); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__fetchAbort", func(id int) {
			f.abort(int64(id))
		}); err != nil {
			return err
		}
		if err := rt.Eval(fetchJS); err != nil {
			return fmt.Errorf("evaluating fetch.js: %w", err)
		}
		return nil
	}
}
