// The main package for the knowledge-crawler executable.
package main

import (
	"github.com/JakeFAU/knowledge-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
