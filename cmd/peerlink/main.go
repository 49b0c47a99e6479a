// Peerlink CLI entry point.
//
// "server" runs a hub that accepts peers over TCP and WebSocket and exposes
// Prometheus metrics. "chat" joins a hub as an interactive client that can
// broadcast, whisper through the hub or open direct WebRTC links.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/server"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

var (
	app        = kingpin.New("peerlink", "Typed message passing between a hub and its peers.")
	configFile = app.Flag("config.file", "Path to configuration file.").Default("peerlink.yaml").String()
	debugMode  = app.Flag("debug", "Enable debug logging.").Bool()

	serverCmd     = app.Command("server", "Run a hub server.")
	bindAddr      = serverCmd.Flag("bind-addr", "TCP address to accept peers on.").String()
	wsAddr        = serverCmd.Flag("ws.listen-address", "Address for the WebSocket endpoint; empty disables it.").String()
	listenAddress = serverCmd.Flag("web.listen-address", "Address to expose metrics on; empty disables it.").String()
	telemetryPath = serverCmd.Flag("web.telemetry-path", "Path under which to expose metrics.").String()

	chatCmd  = app.Command("chat", "Join a hub and chat interactively.")
	chatHost = chatCmd.Flag("host", "Hub host.").Default("127.0.0.1").String()
	chatPort = chatCmd.Flag("port", "Hub TCP port.").Default("7420").Int()
	chatURL  = chatCmd.Flag("ws-url", "WebSocket URL of the hub; overrides host and port.").String()
	chatName = chatCmd.Flag("name", "Display name announced to other peers.").String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		util.LogWarning("failed to load config file: %v, using defaults", err)
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
	}
	if *debugMode {
		cfg.Log.Level = "debug"
	}

	pterm.Info.Printfln("peerlink v%s", version)
	pterm.Println()

	switch command {
	case serverCmd.FullCommand():
		if err := runServer(ctx, cfg); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	case chatCmd.FullCommand():
		if err := runChat(ctx, cfg); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
}

// chatTypes registers the values the demo exchanges.
func chatTypes() *protocol.Registry {
	types := protocol.NewRegistry()
	protocol.Register[ChatLine](types, "peerlink.chat.Line")
	return types
}

// ChatLine is one line of chat text.
type ChatLine struct {
	Text string `json:"text"`
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if *bindAddr != "" {
		cfg.Server.BindAddr = *bindAddr
	}
	if *listenAddress != "" {
		cfg.Server.MetricsAddr = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Server.TelemetryPath = *telemetryPath
	}

	srv := server.New(cfg, chatTypes())
	defer srv.Close()

	dispatch.Handle(srv.Handlers(), func(line *ChatLine, ev *dispatch.Event) {
		util.LogDebug("chat %s -> %s: %s", ev.From, ev.Recipient, line.Text)
	})

	if err := srv.Listen(ctx, cfg.Server.BindAddr); err != nil {
		return err
	}
	if *wsAddr != "" {
		if _, err := srv.ListenWebSocket(ctx, *wsAddr); err != nil {
			return err
		}
	}
	if cfg.Server.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Server.MetricsAddr, cfg.Server.TelemetryPath, srv.Registry()); err != nil {
				util.LogError("metrics server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	util.LogInfo("shutting down")
	return nil
}
