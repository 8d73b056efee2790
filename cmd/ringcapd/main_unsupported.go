//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr,
		"ringcapd: this build has no netmap ring fabric support; rebuild for linux")
	os.Exit(1)
}
