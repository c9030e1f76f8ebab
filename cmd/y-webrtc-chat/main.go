// y-webrtc-chat — minimal demo client.
//
// Joins a room through one or more signaling servers, broadcasts each stdin
// line to the mesh, and prints whatever the other peers broadcast. Useful
// for poking at a running y-webrtc-signal instance.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	ywebrtc "github.com/Saad5400/y-webrtc"
	"github.com/Saad5400/y-webrtc/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	roomName := flag.String("room", "demo", "room name")
	urls := flag.String("signaling", "ws://localhost:4444", "comma-separated signaling server URLs")
	password := flag.String("password", "", "optional room passphrase")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Printfln("y-webrtc-chat — v%s", version)

	provider := ywebrtc.New(*roomName, ywebrtc.Options{
		Signaling: strings.Split(*urls, ","),
		Password:  *password,
		Handler: func(peerID string, payload []byte) {
			pterm.Printfln("<%s> %s", peerID[:8], string(payload))
		},
	})
	defer provider.Destroy()

	if err := provider.Connect(ctx); err != nil {
		util.LogError("connect failed: %v", err)
		os.Exit(1)
	}
	util.LogInfo("joined room %q as %s", *roomName, provider.PeerID())

	peerEvents, cancelPeers := provider.Peers()
	defer cancelPeers()
	go func() {
		for ev := range peerEvents {
			for _, id := range ev.Added {
				util.LogInfo("peer joined: %s", id)
			}
			for _, id := range ev.Removed {
				util.LogInfo("peer left: %s", id)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if err := provider.Broadcast([]byte(line)); err != nil {
				util.LogWarning("broadcast failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
