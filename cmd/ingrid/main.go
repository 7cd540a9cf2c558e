/*
This command provides an executable version of the ingrid ingress
routing controller.

For the list of command line options, run:

	ingrid -help

For details about the usage and embedding, please see the documentation
of the root ingrid package.
*/
package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ingrid-io/ingrid"
	"github.com/ingrid-io/ingrid/config"
)

var (
	version string
	commit  string
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("error processing config: %s", err)
	}

	if cfg.PrintVersion {
		fmt.Printf("ingrid version %s (commit: %s)\n", version, commit)
		return
	}

	log.Fatal(ingrid.Run(cfg.ToOptions()))
}
