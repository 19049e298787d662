package postgres

import (
	"slices"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/giantswarm/pgenv/internal/netutil"
)

func TestConnParams(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		params  ConnParams
		wantDSN string
	}{
		"tcp": {
			params:  NewConnParams(netutil.TCPEndpoint(54321, "/tmp/ws/sock"), "postgres", "postgres"),
			wantDSN: "host=127.0.0.1 port=54321 user=postgres dbname=postgres sslmode=disable",
		},
		"unix": {
			params: NewConnParams(netutil.Endpoint{
				Kind: netutil.Unix, Port: 5432, SocketDir: "/tmp/ws/sock",
			}, "app", "appdb"),
			wantDSN: "host=/tmp/ws/sock port=5432 user=app dbname=appdb sslmode=disable",
		},
		"quoted values": {
			params: NewConnParams(netutil.Endpoint{
				Kind: netutil.Unix, Port: 5432, SocketDir: "/tmp/my dir",
			}, "o'neil", "db"),
			wantDSN: `host='/tmp/my dir' port=5432 user='o\'neil' dbname=db sslmode=disable`,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := tc.params.DSN(); got != tc.wantDSN {
				t.Errorf("DSN() = %q, want %q", got, tc.wantDSN)
			}
			// URL escaping varies across Go releases, so compare what a
			// client parses out of each form instead of the raw string.
			for form, conn := range map[string]string{"DSN": tc.params.DSN(), "URL": tc.params.URL()} {
				cfg, err := pgconn.ParseConfig(conn)
				if err != nil {
					t.Fatalf("ParseConfig(%s %q): %v", form, conn, err)
				}
				if cfg.Host != tc.params.Host || int(cfg.Port) != tc.params.Port {
					t.Errorf("%s endpoint = %s:%d, want %s:%d", form, cfg.Host, cfg.Port, tc.params.Host, tc.params.Port)
				}
				if cfg.User != tc.params.User || cfg.Database != tc.params.Database {
					t.Errorf("%s user/db = %s/%s, want %s/%s", form, cfg.User, cfg.Database, tc.params.User, tc.params.Database)
				}
			}
		})
	}
}

func TestConnParams_Env(t *testing.T) {
	t.Parallel()

	p := NewConnParams(netutil.TCPEndpoint(6000, "/s"), "postgres", "postgres").WithUser("app", "appdb")
	env := p.Env()
	for _, want := range []string{"PGHOST=127.0.0.1", "PGPORT=6000", "PGUSER=app", "PGDATABASE=appdb"} {
		if !slices.Contains(env, want) {
			t.Errorf("Env() = %v, missing %q", env, want)
		}
	}
}
