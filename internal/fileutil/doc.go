// Package fileutil provides the filesystem primitives behind workspaces and
// the initdb template: private directory creation, permission-preserving
// file copies with fsync, and recursive copy of a data directory.
package fileutil
