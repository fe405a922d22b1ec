package main

import "github.com/fleetsync/fleetsync/cmd/fleetsync-ctl/cmd"

func main() {
	cmd.Execute()
}
