package testutil

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Environment variables read by the stub server.
const (
	EnvStubMode      = "PGENV_STUB_MODE"
	EnvStubQueries   = "PGENV_STUB_QUERIES"    // file receiving every simple query, one per line
	EnvStubDelay     = "PGENV_STUB_DELAY"      // time.Duration before the stub starts listening
	EnvStubExitAfter = "PGENV_STUB_EXIT_AFTER" // time.Duration after which a ready stub dies on its own
)

// Stub server behaviors.
const (
	// ModeReady listens, logs readiness and serves handshakes.
	ModeReady = "ready"
	// ModeSlow logs startup but never listens.
	ModeSlow = "slow"
	// ModeCrash logs a FATAL line and exits 1.
	ModeCrash = "crash"
	// ModeFatalLog logs a terminal failure but keeps running.
	ModeFatalLog = "fatal-log"
	// ModeStubborn behaves like ModeReady but ignores SIGINT and SIGTERM.
	ModeStubborn = "stubborn"
)

// MaybeRunStub turns the current process into a stub server when
// EnvStubMode is set and never returns in that case. Call it first thing
// in TestMain.
func MaybeRunStub() {
	mode := os.Getenv(EnvStubMode)
	if mode == "" {
		return
	}
	os.Exit(runStub(mode, os.Args[1:]))
}

// WriteBinaries installs fake initdb and postgres executables in dir and
// returns dir. The postgres wrapper runs the current test binary in mode
// with env, given as KEY=VALUE pairs, added to its environment.
func WriteBinaries(t *testing.T, dir, mode string, env ...string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: test dir
		t.Fatalf("create %s: %v", dir, err)
	}
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test binary: %v", err)
	}
	initdb := `#!/bin/sh
if [ "$1" = "--version" ]; then echo "initdb (PostgreSQL) 17.2"; exit 0; fi
mkdir -p "$2" && chmod 700 "$2" && echo 17 > "$2/PG_VERSION"
`
	assign := []string{fmt.Sprintf("%s=%q", EnvStubMode, mode)}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		assign = append(assign, fmt.Sprintf("%s=%q", k, v))
	}
	postgres := fmt.Sprintf("#!/bin/sh\nexec env %s %q \"$@\"\n", strings.Join(assign, " "), self)

	for name, body := range map[string]string{"initdb": initdb, "postgres": postgres} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil { //nolint:gosec // G306: stubs must be executable
			t.Fatalf("write %s stub: %v", name, err)
		}
	}
	return dir
}

// ShortTempDir returns a temporary directory with a path short enough for
// Unix sockets, removed when the test ends.
func ShortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "pgt")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type stubArgs struct {
	port      int
	socketDir string
	listen    string
}

func parseStubArgs(args []string) (stubArgs, error) {
	var a stubArgs
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-p":
			p, err := strconv.Atoi(args[i+1])
			if err != nil {
				return a, fmt.Errorf("bad port %q", args[i+1])
			}
			a.port = p
			i++
		case "-k":
			a.socketDir = args[i+1]
			i++
		case "-c":
			if v, ok := strings.CutPrefix(args[i+1], "listen_addresses="); ok {
				a.listen = v
			}
			i++
		}
	}
	if a.port == 0 || a.socketDir == "" {
		return a, errors.New("missing -p or -k")
	}
	return a, nil
}

func runStub(mode string, args []string) int {
	a, err := parseStubArgs(args)
	if err != nil {
		fmt.Printf("FATAL:  %v\n", err)
		return 1
	}

	sigs := make(chan os.Signal, 1)
	if mode == ModeStubborn {
		signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
	} else {
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	}

	fmt.Println("LOG:  starting PostgreSQL 17.2 (stub)")
	switch mode {
	case ModeCrash:
		fmt.Println(`FATAL:  data directory "/nowhere" has invalid permissions`)
		return 1
	case ModeFatalLog:
		fmt.Println(`FATAL:  lock file "postmaster.pid" already exists`)
		<-sigs
		return 0
	case ModeSlow:
		<-sigs
		return 0
	}

	if d, err := time.ParseDuration(os.Getenv(EnvStubDelay)); err == nil {
		time.Sleep(d)
	}

	var listeners []net.Listener
	if a.listen != "" {
		ln, err := net.Listen("tcp", net.JoinHostPort(a.listen, strconv.Itoa(a.port)))
		if err != nil {
			fmt.Printf("LOG:  could not bind IPv4 address %q: %v\n", a.listen, err)
			fmt.Println("FATAL:  could not create any TCP/IP sockets")
			return 1
		}
		listeners = append(listeners, ln)
	}
	sock := filepath.Join(a.socketDir, ".s.PGSQL."+strconv.Itoa(a.port))
	ln, err := net.Listen("unix", sock)
	if err != nil {
		fmt.Printf("FATAL:  could not create any Unix-domain sockets: %v\n", err)
		return 1
	}
	listeners = append(listeners, ln)

	var queryLog sync.Mutex
	for _, ln := range listeners {
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				go serveStubConn(conn, &queryLog)
			}
		}()
	}
	fmt.Println("FATAL:  the database system is starting up")
	fmt.Println("LOG:  database system is ready to accept connections")

	if mode == ModeStubborn {
		for {
			time.Sleep(time.Hour)
		}
	}
	var died <-chan time.Time
	if d, err := time.ParseDuration(os.Getenv(EnvStubExitAfter)); err == nil {
		died = time.After(d)
	}
	select {
	case <-sigs:
	case <-died:
		fmt.Println("PANIC:  stub server terminated")
		return 1
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	fmt.Println("LOG:  database system is shut down")
	return 0
}

func serveStubConn(conn net.Conn, queryLog *sync.Mutex) {
	defer func() { _ = conn.Close() }()

	backend := pgproto3.NewBackend(conn, conn)
	msg, err := backend.ReceiveStartupMessage()
	if err != nil {
		return
	}
	if _, ok := msg.(*pgproto3.SSLRequest); ok {
		if _, err := conn.Write([]byte("N")); err != nil {
			return
		}
		if msg, err = backend.ReceiveStartupMessage(); err != nil {
			return
		}
	}
	if _, ok := msg.(*pgproto3.StartupMessage); !ok {
		return
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "17.2"})
	backend.Send(&pgproto3.ParameterStatus{Name: "standard_conforming_strings", Value: "on"})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: uint32(os.Getpid()), SecretKey: 1}) //nolint:gosec // G115: pid fits
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Terminate:
			return
		case *pgproto3.Query:
			recordQuery(m.String, queryLog)
			backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(commandTag(m.String))})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		}
	}
}

func recordQuery(q string, mu *sync.Mutex) {
	path := os.Getenv(EnvStubQueries)
	if path == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: test-controlled path
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = fmt.Fprintln(f, q)
}

// commandTag returns the first two words of q, e.g. "CREATE ROLE".
func commandTag(q string) string {
	fields := strings.Fields(q)
	if len(fields) > 2 {
		fields = fields[:2]
	}
	return strings.ToUpper(strings.Join(fields, " "))
}
