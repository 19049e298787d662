// Package netutil describes how clients reach an instance and hands out
// loopback TCP ports.
//
// PortRegistry obtains ports from the OS by binding port 0 and remembers
// every port it handed out, so concurrent provisions in one process never
// receive the same port between allocation and the server's own bind.
package netutil
