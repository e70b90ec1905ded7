package worker

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cryguy/hostjs/core"
	"github.com/cryguy/hostjs/internal/permissions"
)

// maxModuleBytes caps one remote module.
const maxModuleBytes = 32 << 20

// FSLoader loads modules from file: and http(s): URLs. Every load is
// checked against Perms: read access for files, net access for remote
// modules.
type FSLoader struct {
	Perms  *permissions.Container
	Client *http.Client
	// Timeout bounds one remote fetch. Zero means 30 seconds.
	Timeout time.Duration
}

var _ core.ModuleLoader = (*FSLoader)(nil)

// Resolve resolves specifier against referrer. The main module and
// relative paths without a referrer are resolved against the working
// directory. Bare specifiers are rejected.
func (l *FSLoader) Resolve(specifier, referrer string, isMain bool) (string, error) {
	if u, err := url.Parse(specifier); err == nil && u.IsAbs() && len(u.Scheme) > 1 {
		return u.String(), nil
	}
	if !isRelative(specifier) {
		if isMain || referrer == "." || referrer == "" {
			abs, err := filepath.Abs(specifier)
			if err != nil {
				return "", err
			}
			return fileURL(abs).String(), nil
		}
		return "", fmt.Errorf("relative import path %q not prefixed with / or ./ or ../ (from %s)", specifier, referrer)
	}

	var base *url.URL
	if referrer == "" || referrer == "." {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		base = fileURL(cwd + string(filepath.Separator))
	} else {
		var err error
		if base, err = url.Parse(referrer); err != nil {
			return "", fmt.Errorf("referrer %q: %w", referrer, err)
		}
	}
	ref, err := url.Parse(specifier)
	if err != nil {
		return "", fmt.Errorf("specifier %q: %w", specifier, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func isRelative(s string) bool {
	return strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") || strings.HasPrefix(s, "/")
}

func fileURL(p string) *url.URL {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return &url.URL{Scheme: "file", Path: p}
}

// Load fetches moduleURL.
func (l *FSLoader) Load(moduleURL string) (*core.ModuleSource, error) {
	u, err := url.Parse(moduleURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		return l.loadFile(u)
	case "http", "https":
		return l.loadRemote(u)
	}
	return nil, fmt.Errorf("unsupported scheme %q for module %s", u.Scheme, moduleURL)
}

func (l *FSLoader) perms() *permissions.Container {
	if l.Perms == nil {
		p, _ := permissions.New(permissions.Options{})
		return p
	}
	return l.Perms
}

func (l *FSLoader) loadFile(u *url.URL) (*core.ModuleSource, error) {
	p := filepath.FromSlash(u.Path)
	if err := l.perms().CheckRead(p); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return &core.ModuleSource{
		Code:               string(data),
		ModuleType:         moduleType(u.Path, ""),
		ModuleURLSpecified: u.String(),
		ModuleURLFound:     u.String(),
	}, nil
}

func (l *FSLoader) loadRemote(u *url.URL) (*core.ModuleSource, error) {
	if err := l.perms().CheckURL(u); err != nil {
		return nil, err
	}
	client := l.Client
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects loading %s", u)
		}
		return l.perms().CheckURL(next.URL)
	}

	timeout := l.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("import %s failed: %s", u, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxModuleBytes {
		return nil, fmt.Errorf("module %s exceeds %d bytes", u, maxModuleBytes)
	}
	found := u
	if resp.Request != nil && resp.Request.URL != nil {
		found = resp.Request.URL
	}
	return &core.ModuleSource{
		Code:               string(data),
		ModuleType:         moduleType(found.Path, resp.Header.Get("Content-Type")),
		ModuleURLSpecified: u.String(),
		ModuleURLFound:     found.String(),
	}, nil
}

// moduleType reports "json" for JSON modules and "javascript" otherwise.
// A Content-Type header wins over the extension.
func moduleType(p, contentType string) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			if mt == "application/json" || strings.HasSuffix(mt, "+json") {
				return "json"
			}
			return "javascript"
		}
	}
	if path.Ext(p) == ".json" {
		return "json"
	}
	return "javascript"
}
