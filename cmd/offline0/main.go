package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
)

// set by the release build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "offline0: %v\n", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("offline0 %s (%s, %s, %s)", version, commit[:min(7, len(commit))], date, runtime.Version())
}
