package main

import "southwinds.dev/tresor/cli/cmd"

func main() {
	cmd.Execute()
}
