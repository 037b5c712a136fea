// Bloom keeps a layered, decaying context graph for situated
// communication and serves it over HTTP, a websocket stream and MCP.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/bloom/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
