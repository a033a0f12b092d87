// docscope-worker is the out-of-process analysis worker: it loads one
// document and answers line-delimited JSON-RPC 2.0 requests on stdio until
// shutdown or EOF.
package main

import (
	"flag"
	"fmt"
	"os"

	"docscope/pkg/logx"
	"docscope/pkg/repl"
)

var version = "dev"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		debug       = flag.Bool("debug", false, "Enable debug logging on stderr")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("docscope-worker %s\n", version)
		os.Exit(0)
	}
	if *debug {
		logx.SetDebug(true, nil)
	}

	if err := repl.NewEngine().Serve(os.Stdin, os.Stdout); err != nil {
		logx.Errorf("worker loop failed: %v", err)
		os.Exit(1)
	}
}
