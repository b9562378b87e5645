// Package endpoint manages the on-disk unix-socket streams that back each
// active tunnel: one listening socket plus a sibling metadata file per
// tunnel name, rooted under a single configured directory.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// EndpointBusy is returned by Bind when the tunnel name is already bound in
// this Registry, or when listening on the socket path fails. A file already
// present at the socket path does not by itself make the name busy: Bind
// removes it before listening.
var EndpointBusy = errors.New("endpoint: tunnel name already bound")

// Endpoint is one live unix-socket stream bound for a single tunnel name.
type Endpoint struct {
	Name     string
	SockPath string
	MetaPath string

	listener *net.UnixListener
}

// Accept blocks until a new stream connection arrives on the endpoint, or
// the listener is closed.
func (e *Endpoint) Accept() (net.Conn, error) {
	return e.listener.Accept()
}

// Registry tracks every Endpoint currently bound under dir. It is
// concurrency-safe — the gateway binds and releases endpoints from many
// connection goroutines at once.
type Registry struct {
	dir string

	mu   sync.Mutex
	byID map[string]*Endpoint
}

// NewRegistry builds a Registry rooted at dir. dir must already exist;
// callers create it (and set the process umask) during bootstrap.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		byID: make(map[string]*Endpoint),
	}
}

// Bind reserves and opens the unix-socket stream for name. If name is
// already in the Registry's table of bound endpoints, Bind returns
// EndpointBusy. Otherwise it removes any file already at "<dir>/<name>.sock"
// (a leftover from an earlier run, or a socket another process listens on,
// alike), truncates the sibling metadata file, and listens on the socket
// path; a listen failure is also reported as EndpointBusy. The caller
// treats EndpointBusy as the slot being taken.
func (r *Registry) Bind(name string) (*Endpoint, error) {
	r.mu.Lock()
	if _, ok := r.byID[name]; ok {
		r.mu.Unlock()
		return nil, EndpointBusy
	}
	r.mu.Unlock()

	sockPath := filepath.Join(r.dir, name+".sock")
	metaPath := filepath.Join(r.dir, name+".meta")

	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("endpoint: remove stale socket %s: %w", sockPath, err)
	}

	if err := os.WriteFile(metaPath, nil, 0o644); err != nil {
		return nil, fmt.Errorf("endpoint: truncate meta file %s: %w", metaPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolve %s: %w", sockPath, err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, EndpointBusy
	}

	ep := &Endpoint{
		Name:     name,
		SockPath: sockPath,
		MetaPath: metaPath,
		listener: ln,
	}

	r.mu.Lock()
	if _, ok := r.byID[name]; ok {
		r.mu.Unlock()
		ln.Close()
		os.Remove(sockPath)
		return nil, EndpointBusy
	}
	r.byID[name] = ep
	r.mu.Unlock()

	return ep, nil
}

// Release closes and unlinks ep. It is a best-effort cleanup: failures to
// unlink the backing files are not fatal, since a later Bind of the same
// name will remove stale files itself.
func (r *Registry) Release(ep *Endpoint) {
	if ep == nil {
		return
	}

	r.mu.Lock()
	delete(r.byID, ep.Name)
	r.mu.Unlock()

	ep.listener.Close()
	os.Remove(ep.SockPath)
	os.Remove(ep.MetaPath)
}

// Get returns the currently-bound endpoint for name, if any.
func (r *Registry) Get(name string) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.byID[name]
	return ep, ok
}
