package main

import "github.com/xseven/messaging/pkg/cli"

func main() {
	cli.Execute()
}
