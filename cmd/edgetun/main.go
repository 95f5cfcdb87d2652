package main

import (
	"os"

	"github.com/koltyakov/edgetun/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
