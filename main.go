package main

import "chatsync/cmd"

func main() {
	cmd.Execute()
}
