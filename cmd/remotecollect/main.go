package main

import (
	"os"

	"github.com/sshcollectorpro/remotecollect/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
