// Command transcoder runs the tvpipe live transcoding pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/tvpipe/tvpipe/cmd/transcoder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if cmd.ExitCode == 0 {
			cmd.ExitCode = 2
		}
		os.Exit(cmd.ExitCode)
	}
	os.Exit(cmd.ExitCode)
}
