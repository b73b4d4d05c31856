package main

import (
	"github.com/depfetch/depfetch/pkg/cmd"
)

func main() {
	cmd.Execute()
}
