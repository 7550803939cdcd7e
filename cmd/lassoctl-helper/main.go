// lassoctl-helper is the privileged executor. It accepts exactly one
// request per invocation from a closed argv vocabulary, performs one
// kernel write and exits. It is meant to be whitelisted in sudoers with
// NOPASSWD so the unprivileged daemon can invoke it non-interactively:
//
//	user ALL=(root) NOPASSWD: /usr/local/bin/lassoctl-helper
package main

import (
	"os"

	"codeberg.org/mutker/lassoctl/internal/executor"
)

func main() {
	os.Exit(executor.Run(os.Args[1:], os.Stderr))
}
