package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/client"
	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

const chatHelp = `/peers            list peers
/to <id> <text>   whisper through the hub
/link <id>        open a direct link
/dm <id> <text>   send over a direct link
/unlink <id>      close a direct link
/name <name>      change your display name
/quit             leave`

func runChat(ctx context.Context, cfg *config.Config) error {
	c := client.New(cfg, chatTypes())
	defer c.Close()

	c.OnPeerJoined = func(p *peer.Peer) { pterm.Info.Printfln("%s joined", displayName(p)) }
	c.OnPeerLeft = func(p *peer.Peer) { pterm.Info.Printfln("%s left", displayName(p)) }
	c.OnPeerMetadata = func(p *peer.Peer, patch map[string]string) {
		if name, ok := patch["name"]; ok {
			pterm.Info.Printfln("%s is now known as %q", shortID(p.ID()), name)
		}
	}
	c.OnDisconnected = func(reason transport.DisconnectionReason, err error) {
		pterm.Warning.Printfln("disconnected: %s", reason)
	}
	c.OnDirectLink = func(p *peer.Peer, _ *transport.Connection) {
		pterm.Success.Printfln("direct link to %s open", displayName(p))
	}
	c.OnDirectClosed = func(p *peer.Peer, reason transport.DisconnectionReason) {
		pterm.Info.Printfln("direct link to %s closed: %s", displayName(p), reason)
	}
	dispatch.Handle(c.Handlers(), func(line *ChatLine, ev *dispatch.Event) {
		via := "direct"
		if ev.Redirected {
			via = "all"
			if ev.Recipient != "" && ev.Recipient != protocol.BroadcastRecipient {
				via = "whisper"
			}
		}
		pterm.Printfln("[%s] %s: %s", via, displayName(ev.From), line.Text)
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Client.ConnectionTimeout+time.Second)
	defer cancel()
	var err error
	if *chatURL != "" {
		err = c.ConnectWebSocket(connectCtx, *chatURL)
	} else {
		err = c.Connect(connectCtx, *chatHost, *chatPort)
	}
	if err != nil {
		return err
	}

	self, err := c.WaitIdentified(connectCtx)
	if err != nil {
		return fmt.Errorf("waiting for identity: %w", err)
	}
	if *chatName != "" {
		if err := c.UpdateMetadata(map[string]string{"name": *chatName}); err != nil {
			util.LogWarning("set name: %v", err)
		}
	}

	pterm.Success.Printfln("joined as %s", self.ID())
	pterm.Println(chatHelp)
	pterm.Println()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			raw, err := pterm.DefaultInteractiveTextInput.WithDefaultText(">").Show()
			if err != nil {
				return
			}
			select {
			case lines <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, c, strings.TrimSpace(raw)); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user wants to leave.
func handleLine(ctx context.Context, c *client.Client, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		report(c.SendBroadcast(&ChatLine{Text: line}))
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	arg, text, _ := strings.Cut(strings.TrimSpace(rest), " ")

	switch cmd {
	case "/quit":
		return true
	case "/peers":
		peers := c.Peers()
		if len(peers) == 0 {
			pterm.Info.Println("nobody else is here")
			return false
		}
		data := pterm.TableData{{"ID", "Name", "Direct"}}
		direct := make(map[string]bool)
		for _, id := range c.DirectPeers() {
			direct[id] = true
		}
		for _, p := range peers {
			name, _ := p.Get("name")
			data = append(data, []string{p.ID(), name, fmt.Sprint(direct[p.ID()])})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	case "/to":
		report(c.SendToPeer(resolvePeer(c, arg), &ChatLine{Text: text}))
	case "/link":
		linkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_, err := c.ConnectPeer(linkCtx, resolvePeer(c, arg))
		report(err)
	case "/dm":
		report(c.SendDirect(resolvePeer(c, arg), &ChatLine{Text: text}))
	case "/unlink":
		if !c.ClosePeer(resolvePeer(c, arg)) {
			pterm.Warning.Printfln("no direct link to %s", arg)
		}
	case "/name":
		report(c.UpdateMetadata(map[string]string{"name": arg}))
	default:
		pterm.Println(chatHelp)
	}
	return false
}

// resolvePeer accepts a full id, an id prefix or a display name.
func resolvePeer(c *client.Client, ref string) string {
	if ref == "" {
		return ref
	}
	for _, p := range c.Peers() {
		if name, _ := p.Get("name"); name == ref || strings.HasPrefix(p.ID(), ref) {
			return p.ID()
		}
	}
	return ref
}

func report(err error) {
	if err != nil {
		pterm.Error.Println(err.Error())
	}
}

func displayName(p *peer.Peer) string {
	if p == nil {
		return "hub"
	}
	if name, ok := p.Get("name"); ok {
		return name
	}
	return shortID(p.ID())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
