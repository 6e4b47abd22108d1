package main

import "healthsignals/internal/cli"

func main() {
	cli.Execute()
}
