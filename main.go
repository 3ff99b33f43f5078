package main

import "github.com/FluidXR/frameolink/cmd"

func main() {
	cmd.Execute()
}
