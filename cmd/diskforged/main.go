package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"diskforge/internal/blockdev"
	"diskforge/internal/cmdexec"
	"diskforge/internal/config"
	"diskforge/internal/eject"
	"diskforge/internal/extend"
	"diskforge/internal/flash"
	"diskforge/internal/ipc"
	"diskforge/internal/pipeline"
	"diskforge/internal/server"
	"diskforge/internal/toolpath"
)

func main() {
	cfg := config.FromEnv()
	log := config.Logger(cfg)

	overrides, err := toolpath.LoadOverrides(cfg.ToolsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ToolsFile).Msg("tool overrides unreadable")
	}
	locator := toolpath.NewLocator(toolpath.WithOverrides(overrides))
	tools, missing := locator.Locate(toolpath.AllTools())
	for _, name := range missing {
		log.Warn().Str("tool", name).Msg("required command not found; dependent operations will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := cmdexec.NewRunner()
	enum := blockdev.NewEnumerator(tools, run, log)

	var devices ipc.DeviceLister = enum
	if os.Geteuid() != 0 {
		// Without root the daemon cannot open block devices itself; device
		// enumeration is delegated to the privileged agent on its socket.
		bridge := ipc.NewBridge(cfg.AgentSocket, cfg.RequestTimeout, cfg.ReconnectBackoff, log)
		go bridge.Run(ctx)
		devices = bridge
		log.Info().Str("socket", cfg.AgentSocket).Msg("running unprivileged; enumerating devices via agent")
	}

	fl := flash.NewFlasher(tools, cfg.FlashBlockSize, log)
	ex := extend.NewExtender(tools, run, log)
	ej := eject.NewEjector(tools, run, log)
	pipe := pipeline.New(devices, fl, ex, ej, log)

	router := server.NewRouter(server.Deps{
		Log:      log,
		Devices:  devices,
		Flasher:  fl,
		Pipeline: pipe,
		Jobs:     server.NewJobStore(),
		Metrics:  server.NewMetrics(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info().Msgf("diskforged listening on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server exited")
	}
}
