package main

import (
	"github.com/luma/gep/cmd"
)

func main() {
	cmd.Execute()
}
