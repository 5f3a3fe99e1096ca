package main

import "netbar/cmd/netbar-terminal/app"

func main() {
	app.Execute()
}
