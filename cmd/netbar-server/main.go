package main

import "netbar/cmd/netbar-server/app"

func main() {
	app.Execute()
}
