package netutil

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// EndpointKind selects how clients reach an instance.
type EndpointKind int

const (
	// TCP listens on a loopback port.
	TCP EndpointKind = iota
	// Unix listens only on a socket file inside the instance workspace.
	Unix
)

// String returns the lowercase kind name used in flags and logs.
func (k EndpointKind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case Unix:
		return "unix"
	default:
		return fmt.Sprintf("EndpointKind(%d)", int(k))
	}
}

// IsValid reports whether k is a known kind.
func (k EndpointKind) IsValid() bool {
	return k == TCP || k == Unix
}

// ParseEndpointKind converts "tcp" or "unix" into an EndpointKind.
func ParseEndpointKind(s string) (EndpointKind, error) {
	switch s {
	case "tcp", "":
		return TCP, nil
	case "unix":
		return Unix, nil
	default:
		return 0, fmt.Errorf("unknown endpoint kind %q", s)
	}
}

// DefaultUnixPort is the port number that names the socket file in Unix mode.
// Uniqueness comes from the per-instance socket directory.
const DefaultUnixPort = 5432

// MaxUnixSocketPath is the conservative sun_path limit shared by Linux (108)
// and the BSDs (104), minus the terminating NUL.
const MaxUnixSocketPath = 103

// Endpoint is where a server listens. The socket directory is always set,
// because the server also creates its Unix socket there in TCP mode.
type Endpoint struct {
	Kind      EndpointKind
	Host      string
	Port      int
	SocketDir string
}

// TCPEndpoint returns a loopback TCP endpoint.
func TCPEndpoint(port int, socketDir string) Endpoint {
	return Endpoint{Kind: TCP, Host: loopbackHost, Port: port, SocketDir: socketDir}
}

// UnixEndpoint returns a socket-only endpoint in socketDir. It fails with
// ErrNoEndpointAvailable if the socket path would not fit in sun_path.
func UnixEndpoint(socketDir string) (Endpoint, error) {
	ep := Endpoint{Kind: Unix, Port: DefaultUnixPort, SocketDir: socketDir}
	if err := ep.CheckSocketPath(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// CheckSocketPath fails with ErrNoEndpointAvailable if the server's socket
// path would not fit in sun_path. The server creates the socket for TCP
// endpoints too.
func (e Endpoint) CheckSocketPath() error {
	if n := len(e.SocketPath()); n > MaxUnixSocketPath {
		return ErrNoEndpointAvailable.With("socket path %s is %d bytes, limit %d",
			e.SocketPath(), n, MaxUnixSocketPath)
	}
	return nil
}

// SocketPath returns the path of the server's Unix socket file.
func (e Endpoint) SocketPath() string {
	return filepath.Join(e.SocketDir, ".s.PGSQL."+strconv.Itoa(e.Port))
}

// DialHost returns the host value a libpq-style client uses: the loopback
// address for TCP, the socket directory for Unix.
func (e Endpoint) DialHost() string {
	if e.Kind == Unix {
		return e.SocketDir
	}
	return e.Host
}

// ListenAddresses returns the listen_addresses server setting for e.
func (e Endpoint) ListenAddresses() string {
	if e.Kind == Unix {
		return ""
	}
	return e.Host
}

// String returns a human-readable form for logs and the instance ledger.
func (e Endpoint) String() string {
	if e.Kind == Unix {
		return "unix:" + e.SocketPath()
	}
	return "tcp:" + e.Host + ":" + strconv.Itoa(e.Port)
}
