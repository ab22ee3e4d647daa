package main

import "github.com/mapfasten/mapfasten/cmd"

func main() {
	cmd.Execute()
}
