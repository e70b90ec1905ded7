package core

import (
	"encoding/json"
	"errors"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/modules"
	"github.com/cryguy/hostjs/internal/snapshot"
)

type importReply struct {
	URL   string             `json:"url,omitempty"`
	ID    int                `json:"id,omitempty"`
	Error *modules.ErrorInfo `json:"error,omitempty"`
}

func (rep importReply) String() string {
	b, _ := json.Marshal(rep)
	return string(b)
}

func importFailure(err error) string {
	info := modules.ErrorInfo{Name: "TypeError", Message: err.Error()}
	var se *modules.SyntaxError
	if errors.As(err, &se) {
		info = modules.ErrorInfo{Name: "SyntaxError", Message: se.Error()}
	}
	return importReply{Error: &info}.String()
}

// installImportHooks gives the module registry its host side: import()
// and import.meta.resolve.
func (r *JSRuntime) installImportHooks(rt engine.Runtime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__hostDynamicImport", r.importModule); err != nil {
		return err
	}
	return rt.RegisterFunc("__hostModuleResolve", r.resolveModule)
}

func (r *JSRuntime) resolveModule(specifier, referrer string) string {
	u, err := r.bundler.Resolve(specifier, referrer)
	if err != nil {
		return importFailure(err)
	}
	return importReply{URL: u}.String()
}

// importModule serves import(). A module already in the module map is
// answered from there; anything else is bundled and evaluated as a new
// module whose dependencies come from the map where present.
func (r *JSRuntime) importModule(referrer, specifier string) string {
	if r.hasSnapshotted {
		return importFailure(ErrSnapshotted)
	}
	u, err := r.bundler.Resolve(specifier, referrer)
	if err != nil {
		return importFailure(err)
	}
	if id, ok := r.moduleMap.Lookup(u); ok {
		return importReply{URL: u, ID: id}.String()
	}

	r.nextModule++
	id := r.nextModule
	req := modules.Request{ID: int(id), Specifier: u, Resolved: true, Dynamic: true, Referrer: referrer}
	b, err := r.bundler.Bundle(req)
	if err != nil {
		r.logger.Debug("dynamic import failed", "specifier", specifier, "referrer", referrer, "error", err)
		return importFailure(err)
	}
	rec := &moduleRecord{id: id, url: b.URL, script: b.Script, started: true, req: req, bundle: b}
	r.modules[id] = rec
	r.moduleMap.Add(int(id), b.URLs)
	if err := r.rt.Eval(b.Script); err != nil {
		return importFailure(err)
	}
	r.record(snapshot.Entry{Kind: snapshot.KindModule, Name: b.URL, Code: b.Script, ID: int(id), URLs: b.URLs})
	return importReply{URL: u, ID: int(id)}.String()
}
