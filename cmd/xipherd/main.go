package main

import (
	"flag"

	"github.com/xipher-im/xipher/internal/app"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.xipher/config.toml)")
	baseURLFlag := flag.String("base-url", "", "server base URL (overrides config)")
	flag.Parse()

	fx.New(
		app.Module(app.Params{
			ConfigPath: *configFlag,
			BaseURL:    *baseURLFlag,
		}),
	).Run()
}
