// Command nvgpusim runs workloads and fault scenarios on a simulated GPU.
package main

import (
	"github.com/tebeka/atexit"

	"github.com/sarchlab/nvgpusim/cmd/nvgpusim/cmd"
)

func main() {
	atexit.Exit(cmd.Execute())
}
