// Package cli implements the diskforge command line: the same orchestration
// packages the daemon uses, driven interactively from a terminal.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"diskforge/internal/blockdev"
	"diskforge/internal/cmdexec"
	"diskforge/internal/config"
	"diskforge/internal/eject"
	"diskforge/internal/extend"
	"diskforge/internal/flash"
	"diskforge/internal/pipeline"
	"diskforge/internal/toolpath"
)

// App owns the wired components for one CLI invocation.
type App struct {
	cfg  config.Config
	enum *blockdev.Enumerator
	pipe *pipeline.Pipeline
}

func New() (*App, error) {
	cfg := config.FromEnv()
	log := config.Logger(cfg)

	overrides, err := toolpath.LoadOverrides(cfg.ToolsFile)
	if err != nil {
		return nil, fmt.Errorf("tool overrides unreadable: %w", err)
	}
	locator := toolpath.NewLocator(toolpath.WithOverrides(overrides))
	tools, missing := locator.Locate(toolpath.AllTools())
	for _, name := range missing {
		color.Yellow("warning: %s not found; dependent operations will fail", name)
	}

	run := cmdexec.NewRunner()
	enum := blockdev.NewEnumerator(tools, run, log)
	fl := flash.NewFlasher(tools, cfg.FlashBlockSize, log)
	ex := extend.NewExtender(tools, run, log)
	ej := eject.NewEjector(tools, run, log)

	return &App{
		cfg:  cfg,
		enum: enum,
		pipe: pipeline.New(enum, fl, ex, ej, log),
	}, nil
}

// RequireRoot guards the destructive subcommands.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("this command must run as root")
	}
	return nil
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// selectDevice prompts for a flash target among the non-OS disks.
func (a *App) selectDevice(ctx context.Context) (string, error) {
	devices, err := a.enum.List(ctx)
	if err != nil {
		return "", err
	}
	var options []string
	for _, d := range devices {
		if d.IsOS {
			continue
		}
		options = append(options, fmt.Sprintf("%s  %s  %s", d.Path, humanize.IBytes(d.SizeBytes), d.Model))
	}
	if len(options) == 0 {
		return "", fmt.Errorf("no eligible target devices attached")
	}
	if !interactive() {
		return "", fmt.Errorf("no device given and stdin is not a terminal")
	}

	var selected string
	prompt := &survey.Select{
		Message: "Select target device:",
		Options: options,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return "", err
	}
	// First field of the option line is the path.
	var path string
	fmt.Sscanf(selected, "%s", &path)
	return path, nil
}

// confirmDestruction makes the operator type the device path back before
// anything is written. assumeYes skips it for scripted use.
func (a *App) confirmDestruction(devicePath string, assumeYes bool) error {
	if assumeYes {
		return nil
	}
	if !interactive() {
		return fmt.Errorf("refusing to write %s without --yes on a non-interactive terminal", devicePath)
	}

	color.Red("\nWARNING: this will DESTROY ALL DATA on %s", devicePath)

	var confirm bool
	if err := survey.AskOne(&survey.Confirm{
		Message: fmt.Sprintf("Continue with %s?", devicePath),
		Default: false,
	}, &confirm); err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("aborted")
	}

	var typed string
	if err := survey.AskOne(&survey.Input{
		Message: fmt.Sprintf("Type %q to confirm:", devicePath),
	}, &typed); err != nil {
		return err
	}
	if typed != devicePath {
		return fmt.Errorf("confirmation did not match %s", devicePath)
	}
	return nil
}
