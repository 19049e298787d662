package postgres

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/giantswarm/pgenv/internal/netutil"
)

// Superuser and database created by initdb.
const (
	DefaultSuperuser = "postgres"
	DefaultDatabase  = "postgres"
)

// ConnParams holds everything a client needs to reach one server.
type ConnParams struct {
	Kind      netutil.EndpointKind
	Host      string // 127.0.0.1 for TCP, the socket directory for unix
	Port      int
	SocketDir string
	User      string
	Database  string
}

// NewConnParams derives connection parameters from an endpoint.
func NewConnParams(ep netutil.Endpoint, user, database string) ConnParams {
	return ConnParams{
		Kind:      ep.Kind,
		Host:      ep.DialHost(),
		Port:      ep.Port,
		SocketDir: ep.SocketDir,
		User:      user,
		Database:  database,
	}
}

// WithUser returns a copy of p connecting as user to database.
func (p ConnParams) WithUser(user, database string) ConnParams {
	p.User = user
	p.Database = database
	return p
}

// DSN returns a keyword/value connection string.
func (p ConnParams) DSN() string {
	parts := []string{
		"host=" + quoteValue(p.Host),
		"port=" + strconv.Itoa(p.Port),
		"user=" + quoteValue(p.User),
		"dbname=" + quoteValue(p.Database),
		"sslmode=disable",
	}
	return strings.Join(parts, " ")
}

// URL returns a postgres:// connection URL. Unix endpoints carry the socket
// directory in the host query parameter.
func (p ConnParams) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(p.User),
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	if p.Kind == netutil.Unix {
		q.Set("host", p.Host)
		q.Set("port", strconv.Itoa(p.Port))
	} else {
		u.Host = fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// Env returns the libpq environment variables for p.
func (p ConnParams) Env() []string {
	return []string{
		"PGHOST=" + p.Host,
		"PGPORT=" + strconv.Itoa(p.Port),
		"PGUSER=" + p.User,
		"PGDATABASE=" + p.Database,
		"PGSSLMODE=disable",
		"DATABASE_URL=" + p.URL(),
	}
}

// quoteValue quotes a DSN value when it is empty or contains characters
// that need escaping.
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
