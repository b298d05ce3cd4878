package main

import (
	"github.com/dkvs-io/dkvs/cmd"
)

func main() {
	cmd.Execute()
}
