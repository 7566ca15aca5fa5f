package main

import (
	"github.com/maxgio92/tracecore/pkg/cmd"
)

func main() {
	cmd.Execute()
}
