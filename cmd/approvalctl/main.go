package main

import "github.com/pesio-ai/be-approval-governance/internal/cli"

func main() {
	cli.Execute()
}
