// The main package for the scanner executable.
package main

import (
	"github.com/JakeFAU/compliance-scanner/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
