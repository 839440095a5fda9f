package main

import "artifact-scanner/v1/cmd"

func main() {
	cmd.Execute()
}
