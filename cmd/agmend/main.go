package main

import (
	"os"

	"github.com/sprite-ai/agmend/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
