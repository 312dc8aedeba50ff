package main

import "github.com/oshokin/fcs-vault/cmd/fcs-updater/cmd"

func main() {
	cmd.Execute()
}
