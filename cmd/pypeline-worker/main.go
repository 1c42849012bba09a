// Command pypeline-worker wires an Orchestrator to an activity root and
// runs its main loop until a stop or reload flag is observed. It carries no
// processors of its own: binding real activity types to real Processor
// implementations is left to the caller that imports this module, per
// spec.md §1's "user processor implementations" non-goal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dsoares/pypeline/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		root     = flag.String("root", "", "activity root directory (required)")
		workerID = flag.String("worker-id", "", "this worker's id, at least 3 characters (required)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pypeline-worker: run the Orchestrator main loop over an activity root

Usage: pypeline-worker -root <dir> -worker-id <id>

This binary registers no processors; it is a thin wiring point for a
program that imports github.com/dsoares/pypeline/internal/orchestrator
and supplies its own orchestrator.Binding list.

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *root == "" || *workerID == "" {
		flag.Usage()
		return 1
	}

	o, err := orchestrator.New(*root, *workerID, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pypeline-worker: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := o.Run(ctx)
	if err != nil && code == orchestrator.ExitClean {
		fmt.Fprintf(os.Stderr, "pypeline-worker: %v\n", err)
	}
	return code
}
