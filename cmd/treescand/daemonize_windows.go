//go:build windows

package main

import "fmt"

// daemonizeSelf is not supported on Windows, which has no equivalent of a
// detached Unix session; Windows services are a different mechanism
// entirely and out of scope here.
func daemonizeSelf() error {
	return fmt.Errorf("-d/--daemonize is not supported on Windows")
}
