// Command pgenv provisions throwaway PostgreSQL instances from the shell
// and maintains the base directory they live in.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
