package main

import (
	"github.com/refreshd/refreshd/internal/cmd"
)

func main() {
	cmd.Execute()
}
