package main

import (
	"fmt"
	"os"

	drawcli "github.com/drand/fairdraw/internal/drawcli"
)

func main() {
	app := drawcli.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
