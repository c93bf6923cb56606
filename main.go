package main

import "github.com/nextlevelbuilder/mediascan/cmd"

func main() {
	cmd.Execute()
}
