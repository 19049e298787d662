package netutil

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestEndpointKind(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in      string
		want    EndpointKind
		wantErr bool
	}{
		"tcp":     {in: "tcp", want: TCP},
		"empty":   {in: "", want: TCP},
		"unix":    {in: "unix", want: Unix},
		"unknown": {in: "udp", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseEndpointKind(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseEndpointKind(%q) = %v, want %v", tc.in, got, tc.want)
			}
			if !got.IsValid() {
				t.Errorf("%v.IsValid() = false", got)
			}
		})
	}

	if EndpointKind(9).IsValid() {
		t.Error("EndpointKind(9).IsValid() = true")
	}
}

func TestTCPEndpoint(t *testing.T) {
	t.Parallel()

	ep := TCPEndpoint(54321, "/tmp/pgenv/x/sock")
	if ep.DialHost() != "127.0.0.1" {
		t.Errorf("DialHost() = %q", ep.DialHost())
	}
	if ep.ListenAddresses() != "127.0.0.1" {
		t.Errorf("ListenAddresses() = %q", ep.ListenAddresses())
	}
	if got, want := ep.String(), "tcp:127.0.0.1:54321"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := ep.SocketPath(), "/tmp/pgenv/x/sock/.s.PGSQL.54321"; got != want {
		t.Errorf("SocketPath() = %q, want %q", got, want)
	}
}

func TestUnixEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("short path", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "sock")
		ep, err := UnixEndpoint(dir)
		if err != nil {
			t.Fatalf("UnixEndpoint() error: %v", err)
		}
		if ep.Kind != Unix || ep.Port != DefaultUnixPort {
			t.Errorf("endpoint = %+v", ep)
		}
		if ep.DialHost() != dir {
			t.Errorf("DialHost() = %q, want %q", ep.DialHost(), dir)
		}
		if ep.ListenAddresses() != "" {
			t.Errorf("ListenAddresses() = %q, want empty", ep.ListenAddresses())
		}
	})

	t.Run("path too long", func(t *testing.T) {
		t.Parallel()
		dir := "/" + strings.Repeat("d", MaxUnixSocketPath)
		if _, err := UnixEndpoint(dir); !errors.Is(err, ErrNoEndpointAvailable) {
			t.Errorf("UnixEndpoint() error = %v, want ErrNoEndpointAvailable", err)
		}
	})
}

func TestEndpoint_CheckSocketPath(t *testing.T) {
	t.Parallel()

	long := "/" + strings.Repeat("d", MaxUnixSocketPath)
	tests := map[string]struct {
		ep      Endpoint
		wantErr bool
	}{
		"tcp short":  {ep: TCPEndpoint(54321, "/tmp/pgenv/x/sock")},
		"tcp long":   {ep: TCPEndpoint(54321, long), wantErr: true},
		"unix short": {ep: Endpoint{Kind: Unix, Port: DefaultUnixPort, SocketDir: "/tmp/s"}},
		"unix long":  {ep: Endpoint{Kind: Unix, Port: DefaultUnixPort, SocketDir: long}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := tc.ep.CheckSocketPath()
			if tc.wantErr != errors.Is(err, ErrNoEndpointAvailable) || (!tc.wantErr && err != nil) {
				t.Errorf("CheckSocketPath() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
