package main

import "docexpert/internal/cli"

func main() {
	cli.Execute()
}
