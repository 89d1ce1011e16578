package main

import (
	"fmt"
	"os"

	"github.com/oyo-project/oyo-builder/internal/cmd"
	"github.com/oyo-project/oyo-builder/internal/version"
	"github.com/urfave/cli/v2"
)

// Build installable live ISO images from layered configuration.
func main() {
	app := cli.NewApp()
	app.Name = "oyo-builder"
	app.Usage = "build installable live ISO images from layered configuration"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Oyo authors"}}
	app.Copyright = "Oyo authors"
	app.Flags = cmd.Flags()
	app.Commands = cmd.Commands()
	app.Action = func(c *cli.Context) error {
		return cli.ShowAppHelp(c)
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %s\n", err)
		os.Exit(1)
	}
}
