package main

import "github.com/busybox42/mailexchange/cmd/mailexchange/commands"

func main() {
	commands.Execute()
}
