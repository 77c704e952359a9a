package main

import (
	"fmt"
	"os"

	"github.com/mcpman/mcpman/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcpman:", err)
		os.Exit(1)
	}
}
