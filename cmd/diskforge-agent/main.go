package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"diskforge/internal/blockdev"
	"diskforge/internal/cmdexec"
	"diskforge/internal/config"
	"diskforge/internal/ipc"
	"diskforge/internal/toolpath"
)

func main() {
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "diskforge-agent must run as root")
		os.Exit(1)
	}

	cfg := config.FromEnv()
	log := config.Logger(cfg)

	overrides, err := toolpath.LoadOverrides(cfg.ToolsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ToolsFile).Msg("tool overrides unreadable")
	}
	locator := toolpath.NewLocator(toolpath.WithOverrides(overrides))
	tools, missing := locator.Locate([]string{toolpath.Lsblk})
	if len(missing) > 0 {
		log.Fatal().Strs("missing", missing).Msg("required commands not found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &ipc.Server{
		SocketPath: cfg.AgentSocket,
		Devices:    blockdev.NewEnumerator(tools, cmdexec.NewRunner(), log),
		Log:        log,
	}

	log.Info().Str("socket", cfg.AgentSocket).Msg("diskforge-agent serving")
	if err := srv.Serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent exited")
	}
}
