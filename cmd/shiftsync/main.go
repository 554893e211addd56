package main

import "github.com/macjediwizard/shiftsync/cmd/shiftsync/cmd"

func main() {
	cmd.Execute()
}
