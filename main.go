// The main package for the archiver executable.
package main

import (
	"github.com/JakeFAU/web-archiver/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
