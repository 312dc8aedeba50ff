package main

import "github.com/oshokin/fcs-vault/cmd/fcs-decrypt/cmd"

func main() {
	cmd.Execute()
}
