package main

import "report-signal-service/cmd"

func main() {
	cmd.Execute()
}
