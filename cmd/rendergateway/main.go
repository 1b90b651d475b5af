// The main package for the rendergateway executable.
package main

import (
	"github.com/JakeFAU/render-gateway/cmd"
)

func main() {
	cmd.Execute()
}
