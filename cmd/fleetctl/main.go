package main

import (
	"os"

	"github.com/opensandbox/fleetctl/cmd/fleetctl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
