package main

import (
	"github.com/backlinkoo/linkwatch/cmd"
)

func main() {
	cmd.Execute()
}
