// Command uploadguard runs the upload service front door: identity, request rate
// limits and upload quotas in front of the upload endpoints.
//
// Usage:
//
//	uploadguard serve --env-file .env --config uploadguard.yaml
//	uploadguard check --config uploadguard.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/nhalm/uploadguard/internal/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the HTTP server."`
	Check   CheckCmd   `cmd:"" help:"Load and validate the configuration, then exit."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	EnvFile string `name:"env-file" help:"Path to a .env file (skipped when missing)." default:".env" type:"path"`
	Config  string `short:"c" help:"Path to a YAML config file." type:"path"`
}

func (c *CLI) load() (*config.Config, error) {
	return config.Load(config.Options{EnvFile: c.EnvFile, ConfigFile: c.Config})
}

// CheckCmd validates the configuration.
type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	fmt.Printf("configuration ok: backend=%s limits=%d daily=%dMB monthly=%dMB\n",
		cfg.Store.Backend, len(cfg.Limits), cfg.Quota.DailyMB, cfg.Quota.MonthlyMB)
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("uploadguard %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("uploadguard"),
		kong.Description("Rate limits and upload quotas for the upload service."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "uploadguard:", err)
		os.Exit(1)
	}
}
