package main

import (
	"log"

	"github.com/subgate/subgate/cmd/subctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
