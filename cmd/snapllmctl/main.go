// Command snapllmctl is a command-line front end over the core: it loads
// and switches models, ingests and queries cached contexts, and reports
// tier/cache statistics, all directly against the same packages an
// embedding HTTP server would call (spec §6 lists the HTTP surface as an
// external collaborator; this binary exercises the same operations from
// a terminal).
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
