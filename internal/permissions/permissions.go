// Package permissions normalises a worker's permission options and checks
// accesses against them.
//
// Every list follows the same convention: nil denies everything, an empty
// non-nil list allows everything, and a non-empty list is an allow-list.
package permissions

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"
)

var (
	// ErrBadPermission is returned when an option entry cannot be normalised.
	ErrBadPermission = errors.New("invalid permission")
	// ErrPermissionDenied matches every *DeniedError.
	ErrPermissionDenied = errors.New("permission denied")
)

// Permission kinds.
const (
	Env    = "env"
	Net    = "net"
	FFI    = "ffi"
	Read   = "read"
	Run    = "run"
	Write  = "write"
	HRTime = "hrtime"
)

// Options is the user-facing permission record.
type Options struct {
	AllowEnv    []string `yaml:"allow_env" validate:"omitempty,dive,required"`
	AllowHrtime bool     `yaml:"allow_hrtime"`
	AllowNet    []string `yaml:"allow_net" validate:"omitempty,dive,required"`
	AllowFFI    []string `yaml:"allow_ffi" validate:"omitempty,dive,required"`
	AllowRead   []string `yaml:"allow_read" validate:"omitempty,dive,required"`
	AllowRun    []string `yaml:"allow_run" validate:"omitempty,dive,required"`
	AllowWrite  []string `yaml:"allow_write" validate:"omitempty,dive,required"`
}

// DeniedError reports an access that the options do not allow.
type DeniedError struct {
	Kind   string
	Target string
}

func (e *DeniedError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("requires %s access", e.Kind)
	}
	return fmt.Sprintf("requires %s access to %q", e.Kind, e.Target)
}

func (e *DeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// grant is a normalised permission list. A nil grant denies everything.
type grant struct {
	all     bool
	entries []string
}

func newGrant(list []string, normalise func(string) (string, error)) (*grant, error) {
	if list == nil {
		return nil, nil
	}
	g := &grant{all: len(list) == 0}
	for _, raw := range list {
		n, err := normalise(raw)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(g.entries, n) {
			g.entries = append(g.entries, n)
		}
	}
	return g, nil
}

// Container holds normalised permissions. It is safe for concurrent use.
type Container struct {
	env, net, ffi, read, run, write *grant
	hrtime                          bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New validates and normalises opts.
func New(opts Options) (*Container, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPermission, err)
	}
	c := &Container{hrtime: opts.AllowHrtime}
	var err error
	if c.env, err = newGrant(opts.AllowEnv, normaliseEnv); err != nil {
		return nil, err
	}
	if c.net, err = newGrant(opts.AllowNet, normaliseNet); err != nil {
		return nil, err
	}
	if c.ffi, err = newGrant(opts.AllowFFI, normalisePath); err != nil {
		return nil, err
	}
	if c.read, err = newGrant(opts.AllowRead, normalisePath); err != nil {
		return nil, err
	}
	if c.run, err = newGrant(opts.AllowRun, func(s string) (string, error) { return s, nil }); err != nil {
		return nil, err
	}
	if c.write, err = newGrant(opts.AllowWrite, normalisePath); err != nil {
		return nil, err
	}
	return c, nil
}

// AllowAll grants every permission.
func AllowAll() *Container {
	all := &grant{all: true}
	return &Container{env: all, net: all, ffi: all, read: all, run: all, write: all, hrtime: true}
}

func normaliseEnv(name string) (string, error) {
	if strings.ContainsAny(name, "=\x00") {
		return "", fmt.Errorf("%w: env %q", ErrBadPermission, name)
	}
	if runtime.GOOS == "windows" {
		return strings.ToUpper(name), nil
	}
	return name, nil
}

// normaliseNet turns "Host[:port]" into a lowercase ASCII host with an
// optional port.
func normaliseNet(entry string) (string, error) {
	u, err := url.Parse("http://" + entry)
	if err != nil || u.Hostname() == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		return "", fmt.Errorf("%w: net %q", ErrBadPermission, entry)
	}
	host, err := normaliseHost(u.Hostname())
	if err != nil {
		return "", fmt.Errorf("%w: net %q: %v", ErrBadPermission, entry, err)
	}
	port := u.Port()
	if port == "" {
		return host, nil
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w: net %q: bad port", ErrBadPermission, entry)
	}
	return net.JoinHostPort(host, port), nil
}

func normaliseHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	return idna.Lookup.ToASCII(strings.ToLower(host))
}

func normalisePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadPermission)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %v", ErrBadPermission, p, err)
	}
	return filepath.Clean(abs), nil
}

func (g *grant) allows(match func(entry string) bool) bool {
	if g == nil {
		return false
	}
	if g.all {
		return true
	}
	return slices.ContainsFunc(g.entries, match)
}

// CheckNet checks access to host, which may carry a port.
func (c *Container) CheckNet(hostPort string) error {
	host, port := hostPort, ""
	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		host, port = h, p
	}
	ascii, err := normaliseHost(host)
	if err != nil {
		return &DeniedError{Kind: Net, Target: hostPort}
	}
	ok := c.net.allows(func(entry string) bool {
		eh, ep, err := net.SplitHostPort(entry)
		if err != nil {
			return entry == ascii
		}
		return eh == ascii && ep == port
	})
	if !ok {
		return &DeniedError{Kind: Net, Target: hostPort}
	}
	return nil
}

// CheckURL checks network access for u, using the scheme's default port
// when u has none.
func (c *Container) CheckURL(u *url.URL) error {
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return c.CheckNet(net.JoinHostPort(u.Hostname(), port))
}

func (c *Container) checkPath(g *grant, kind, p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return &DeniedError{Kind: kind, Target: p}
	}
	abs = filepath.Clean(abs)
	ok := g.allows(func(entry string) bool {
		if abs == entry {
			return true
		}
		rel, err := filepath.Rel(entry, abs)
		return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	})
	if !ok {
		return &DeniedError{Kind: kind, Target: p}
	}
	return nil
}

// CheckRead checks read access to path p.
func (c *Container) CheckRead(p string) error { return c.checkPath(c.read, Read, p) }

// CheckWrite checks write access to path p.
func (c *Container) CheckWrite(p string) error { return c.checkPath(c.write, Write, p) }

// CheckFFI checks access to load the library at p.
func (c *Container) CheckFFI(p string) error { return c.checkPath(c.ffi, FFI, p) }

// CheckEnv checks access to the environment variable name.
func (c *Container) CheckEnv(name string) error {
	if runtime.GOOS == "windows" {
		name = strings.ToUpper(name)
	}
	if !c.env.allows(func(entry string) bool { return entry == name }) {
		return &DeniedError{Kind: Env, Target: name}
	}
	return nil
}

// CheckEnvAll checks access to the whole environment.
func (c *Container) CheckEnvAll() error {
	if c.env == nil || !c.env.all {
		return &DeniedError{Kind: Env}
	}
	return nil
}

// CheckRun checks access to run cmd.
func (c *Container) CheckRun(cmd string) error {
	if !c.run.allows(func(entry string) bool { return entry == cmd || filepath.Base(cmd) == entry }) {
		return &DeniedError{Kind: Run, Target: cmd}
	}
	return nil
}

// HRTime reports whether high-resolution time is allowed.
func (c *Container) HRTime() bool { return c.hrtime }

// Query reports "granted" or "denied" for a permission descriptor. An
// empty target asks about the permission as a whole.
func (c *Container) Query(kind, target string) (string, error) {
	var err error
	switch kind {
	case Env:
		if target == "" {
			err = c.CheckEnvAll()
		} else {
			err = c.CheckEnv(target)
		}
	case Net:
		if target == "" {
			err = wholeGrant(c.net, Net)
		} else {
			err = c.CheckNet(target)
		}
	case Read:
		err = c.pathQuery(c.read, Read, target)
	case Write:
		err = c.pathQuery(c.write, Write, target)
	case FFI:
		err = c.pathQuery(c.ffi, FFI, target)
	case Run:
		if target == "" {
			err = wholeGrant(c.run, Run)
		} else {
			err = c.CheckRun(target)
		}
	case HRTime:
		if !c.hrtime {
			err = &DeniedError{Kind: HRTime}
		}
	default:
		return "", fmt.Errorf("unknown permission name %q", kind)
	}
	if err != nil {
		return "denied", nil
	}
	return "granted", nil
}

func (c *Container) pathQuery(g *grant, kind, target string) error {
	if target == "" {
		return wholeGrant(g, kind)
	}
	return c.checkPath(g, kind, target)
}

func wholeGrant(g *grant, kind string) error {
	if g == nil || !g.all {
		return &DeniedError{Kind: kind}
	}
	return nil
}
