// Command phxcli is a minimal host application for github.com/bencurio/phxchannel:
// it joins one topic on a Phoenix-compatible socket and prints inbound
// events of the name given by -event to stdout until interrupted.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	phx "github.com/bencurio/phxchannel"
)

func main() {
	endpoint := flag.String("endpoint", "ws://localhost:4000/socket/websocket", "Phoenix socket endpoint")
	topic := flag.String("topic", "rooms:lobby", "topic to join")
	event := flag.String("event", "new_msg", "event to print when received")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	socket := phx.NewSocket(*endpoint, phx.WithLogger(logger))

	if err := socket.Connect(); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	ch := socket.Channel(*topic, map[string]any{})
	ch.On(*event, func(msg phx.Message) {
		fmt.Printf("[%s] %s: %s\n", msg.Topic, msg.Event, string(msg.Payload))
	})

	join, err := ch.Join(10 * time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "join:", err)
		os.Exit(1)
	}
	join.Receive("ok", func(r phx.Reply) {
		fmt.Println("joined", *topic)
	})
	join.Receive("error", func(r phx.Reply) {
		b, _ := json.Marshal(r.Response)
		fmt.Fprintln(os.Stderr, "join rejected:", string(b))
	})
	join.Receive("timeout", func(phx.Reply) {
		fmt.Fprintln(os.Stderr, "join timed out")
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ch.Leave(5 * time.Second)
	_ = socket.Disconnect(1000, "client shutdown")
}
