package main

import "github.com/labphoton/actinic/cmd"

func main() {
	cmd.Execute()
}
