package main

import "taskhive/internal/cli"

func main() {
	cli.Execute()
}
