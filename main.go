// The main package for the scrapews executable.
package main

import (
	"github.com/JakeFAU/scrape-workspace/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
