package main

import (
	"os"

	"github.com/loomhq/loom/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
