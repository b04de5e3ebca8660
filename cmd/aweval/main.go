// Command aweval runs Android World agent evaluations.
package main

import "github.com/lemon07r/aweval/internal/cli"

func main() {
	cli.Execute()
}
