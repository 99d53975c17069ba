// Command ptdriver drives a physical robotic arm as the physical twin of a
// digital-twin system. Run 'ptdriver --help' for the list of commands.
package main

import (
	"fmt"
	"os"

	"github.com/go-digitaltwin/go-physicaltwin/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
