// Command selfheald probes a set of dependencies, applies recovery rules to
// the ones that fail, and serves their health over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
