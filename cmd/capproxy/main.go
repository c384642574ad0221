package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "capproxy",
		Usage: "serve and call capability proxies over a WebSocket bus",
		Commands: []*cli.Command{
			certsCommand,
			serveCommand,
			channelsCommand,
			callCommand,
			watchCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
