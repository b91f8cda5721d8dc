// Codegraph indexes source repositories into a code knowledge graph of
// symbols and their relationships, keeps it in sync with the working tree,
// and answers structural queries over it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/southerncoder/codegraph-sub000/cmd"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cmd.LogLevel})))

	cli := cmd.NewCLI()
	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
