package main

import "github.com/satriabw/calibration-frontend/cmd"

func main() {
	cmd.Execute()
}
