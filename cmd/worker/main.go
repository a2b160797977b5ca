// Command worker runs the seamless-loop video service: it connects to a
// local ComfyUI server (optionally starting one), loads the WAN loop
// workflow template and serves the job intake API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wanloop/wanloop/comfy"
	"github.com/wanloop/wanloop/config"
	"github.com/wanloop/wanloop/httpapi"
	"github.com/wanloop/wanloop/launch"
	"github.com/wanloop/wanloop/runner"
	"github.com/wanloop/wanloop/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	log.Info("starting wanloop worker",
		"port", cfg.Port,
		"comfy", cfg.ComfyAddr(),
		"workflow", cfg.WorkflowPath,
		"autostart", cfg.ComfyAutostart)

	tmpl, err := workflow.LoadFile(cfg.WorkflowPath)
	if err != nil {
		fatal(log, "load workflow template", err)
	}
	log.Info("workflow template loaded", "nodes", tmpl.Len())

	bindings := workflow.DefaultBindings()
	if cfg.BindingsPath != "" {
		bindings, err = workflow.LoadBindingsFile(cfg.BindingsPath)
		if err != nil {
			fatal(log, "load workflow bindings", err)
		}
		log.Info("workflow bindings overridden", "path", cfg.BindingsPath)
	}

	client := comfy.New(cfg.ComfyHost, cfg.ComfyPort, &comfy.Options{Logger: log})
	defer client.Close()
	probe := func(ctx context.Context) error {
		_, err := client.SystemStats(ctx)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var launcher *launch.Launcher
	if cfg.ComfyAutostart {
		launcher = &launch.Launcher{
			Python:      cfg.ComfyPython,
			Dir:         cfg.ComfyDir,
			Listen:      cfg.ComfyHost,
			Port:        cfg.ComfyPort,
			Args:        cfg.ComfyArgs,
			StartupWait: cfg.StartupWait,
			Log:         log,
		}
		if err := launcher.Start(); err != nil {
			fatal(log, "start comfyui", err)
		}
		if err := launcher.WaitReady(ctx, probe); err != nil {
			launcher.Stop(5 * time.Second)
			fatal(log, "comfyui readiness", err)
		}
	} else {
		if err := launch.WaitHealthy(ctx, probe, cfg.StartupWait, 0, log); err != nil {
			fatal(log, "comfyui readiness", err)
		}
	}

	checkModels(log, tmpl, cfg.ModelDirs())

	if err := client.StartFeed(ctx); err != nil {
		log.Warn("event feed unavailable, jobs fall back to history polling", "error", err)
	}

	run, err := runner.New(client, tmpl, bindings, &runner.Options{
		Logger:         log,
		PollInterval:   cfg.PollInterval,
		DefaultTimeout: cfg.JobTimeout,
	})
	if err != nil {
		fatal(log, "workflow bindings do not match the template", err)
	}

	srv := httpapi.New(run, &httpapi.Options{
		Logger:         log,
		Comfy:          client,
		QueueCapacity:  cfg.QueueCapacity,
		DefaultTimeout: cfg.JobTimeout,
	})
	run.SetOnProgress(srv.RecordProgress)

	go srv.RunWorker(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		log.Info("intake listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "http server", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if launcher != nil {
		if err := launcher.Stop(10 * time.Second); err != nil {
			log.Error("comfyui shutdown", "error", err)
		}
	}
	log.Info("worker stopped")
}

// checkModels stats the model files the template's loader nodes name, so a
// missing multi-gigabyte download is reported at startup instead of as the
// first job's failure.
func checkModels(log *slog.Logger, tmpl *workflow.Graph, dirs map[string]string) {
	inputKeys := map[string]string{
		"UNETLoader":          "unet_name",
		"CLIPLoader":          "clip_name",
		"VAELoader":           "vae_name",
		"CLIPVisionLoader":    "clip_vision_name",
		"LoraLoaderModelOnly": "lora_name",
	}
	for class, dir := range dirs {
		key := inputKeys[class]
		for _, id := range tmpl.NodesByClass(class) {
			node := tmpl.GetNode(id)
			if node == nil {
				continue
			}
			name, ok := node.Inputs[key].(string)
			if !ok || name == "" {
				continue
			}
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err != nil {
				log.Warn("model file missing", "class", class, "node", id, "path", path)
				continue
			}
			log.Debug("model file present", "class", class, "path", path)
		}
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
