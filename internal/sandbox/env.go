package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// jobEnv implements registry.Environment for one job.
type jobEnv struct {
	dir    string
	limits Limits
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	mu      sync.Mutex
	conns   []net.Conn
	opened  int
	files   map[string]int64
	disk    int64
	revoked bool
}

var errRevoked = fmt.Errorf("%w: job aborted", ErrTimeout)

func newJobEnv(root string, lim Limits, dial func(context.Context, string, string) (net.Conn, error)) (*jobEnv, error) {
	dir, err := os.MkdirTemp(root, "toolgw-job-*")
	if err != nil {
		return nil, err
	}
	return &jobEnv{dir: dir, limits: lim, dial: dial, files: make(map[string]int64)}, nil
}

func (e *jobEnv) ScratchDir() string {
	return e.dir
}

func (e *jobEnv) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if !hostAllowed(host, e.limits.AllowedHosts, e.limits.DeniedHosts) {
		return nil, fmt.Errorf("%w: %s", ErrNetworkDenied, host)
	}

	e.mu.Lock()
	if e.revoked {
		e.mu.Unlock()
		return nil, errRevoked
	}
	if e.limits.MaxConnections > 0 && e.opened >= e.limits.MaxConnections {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: connection cap %d reached", ErrLimitExceeded, e.limits.MaxConnections)
	}
	// reserve before dialing so concurrent dials cannot overshoot the cap
	e.opened++
	e.mu.Unlock()

	conn, err := e.dial(ctx, network, address)
	if err != nil {
		e.mu.Lock()
		e.opened--
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Lock()
	if e.revoked {
		e.mu.Unlock()
		_ = conn.Close()
		return nil, errRevoked
	}
	e.conns = append(e.conns, conn)
	e.mu.Unlock()
	return conn, nil
}

func (e *jobEnv) WriteFile(name string, data []byte) error {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: path %q escapes scratch dir", ErrLimitExceeded, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.revoked {
		return errRevoked
	}
	next := e.disk - e.files[clean] + int64(len(data))
	if e.limits.DiskBytes > 0 && next > e.limits.DiskBytes {
		return fmt.Errorf("%w: disk usage %d exceeds %d bytes", ErrLimitExceeded, next, e.limits.DiskBytes)
	}
	full := filepath.Join(e.dir, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return err
	}
	e.files[clean] = int64(len(data))
	e.disk = next
	return nil
}

func (e *jobEnv) usage() (int, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened, e.disk
}

// revoke closes every connection the job opened and refuses further dials
// and writes. The scratch dir stays until close, since the handler may
// still be running.
func (e *jobEnv) revoke() error {
	e.mu.Lock()
	conns := e.conns
	e.conns = nil
	e.revoked = true
	e.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// close revokes the environment and removes its scratch dir. Call it only
// once the handler has returned.
func (e *jobEnv) close() error {
	errs := []error{e.revoke()}
	if err := os.RemoveAll(e.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// hostAllowed applies the deny list first, then the allow list. An empty
// allow list permits any host not denied. Entries match the host exactly,
// or any subdomain when written as "*.example.com".
func hostAllowed(host string, allowed, denied []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range denied {
		if hostMatches(host, d) {
			return false
		}
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if hostMatches(host, a) {
			return true
		}
	}
	return false
}

func hostMatches(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}
