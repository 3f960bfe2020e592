package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pvictorino/marketchat/internal/chatclient"
	"github.com/pvictorino/marketchat/internal/config"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.marketchat/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		chatclient.Module(chatclient.Params{Config: cfg}),
	)

	app.Run()
}
