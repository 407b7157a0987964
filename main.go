// ./main.go
package main

import (
	"github.com/xkilldash9x/dvrs/cmd"
)

// main is the entry point for the DVRS command line.
func main() {
	cmd.Execute()
}
