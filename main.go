package main

import (
	"github.com/BioHazard786/Warpchat/cmd"
)

func main() {
	cmd.Execute()
}
