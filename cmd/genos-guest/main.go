// Command genos-guest is the agent that runs inside environment microVMs.
// It listens on vsock for control commands from the host: launching the
// environment's applications, applying network policy, and exporting the
// desktop for streaming sessions.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o genos-guest ./cmd/genos-guest
package main

import (
	"log"

	"github.com/mdlayher/vsock"

	fc "github.com/willynikes2/GenOS/internal/adapter/firecracker"
	"github.com/willynikes2/GenOS/internal/guest"
)

func main() {
	guest.SetupInit()

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", port, err)
	}
	defer l.Close()

	log.Printf("genos-guest listening on vsock port %d", port)

	agent := guest.New(l)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
