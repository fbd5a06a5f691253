package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed vsock frame payload (1 MiB). Guest
// commands are small control messages, never bulk data.
const MaxFrameSize = 1 << 20

// Guest command operations.
const (
	OpLaunch        = "launch"
	OpPing          = "ping"
	OpApplyPolicy   = "apply_policy"
	OpRevokePolicy  = "revoke_policy"
	OpAttachDisplay = "attach_display"
	OpDetachDisplay = "detach_display"
	OpShutdown      = "shutdown"
)

// PolicySpec is the network policy payload applied inside the guest.
type PolicySpec struct {
	NetworkMode  string `json:"network_mode"`
	AllowEgress  bool   `json:"allow_egress"`
	AllowIngress bool   `json:"allow_ingress"`
}

// GuestCommand is the JSON payload sent from host to guest over vsock.
// Exactly one command travels per connection, answered by one GuestReply.
type GuestCommand struct {
	Op           string      `json:"op"`
	Applications []string    `json:"applications,omitempty"`
	Policy       *PolicySpec `json:"policy,omitempty"`
	Session      string      `json:"session,omitempty"`
}

// GuestReply is the JSON payload sent from guest to host over vsock.
type GuestReply struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	DisplayPort int    `json:"display_port,omitempty"`
}

// WriteFrame writes a length-prefixed JSON frame to w.
// The format is a 4-byte big-endian length followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
