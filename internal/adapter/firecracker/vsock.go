package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Retry defaults for vsock connection establishment. Guests need a moment
// after boot before the agent accepts connections.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// roundTrip sends one command to the guest agent behind the given vsock UDS
// and returns its reply. A reply with OK false becomes an error.
func roundTrip(ctx context.Context, udsPath string, port uint32, cmd GuestCommand) (GuestReply, error) {
	conn, reader, err := dialGuest(ctx, udsPath, port)
	if err != nil {
		return GuestReply{}, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, &cmd); err != nil {
		return GuestReply{}, fmt.Errorf("send %s: %w", cmd.Op, err)
	}

	var reply GuestReply
	if err := ReadFrame(reader, &reply); err != nil {
		return GuestReply{}, fmt.Errorf("read %s reply: %w", cmd.Op, err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("guest %s: %s", cmd.Op, reply.Error)
	}
	return reply, nil
}

// dialGuest connects to the guest agent via Firecracker's vsock UDS bridge,
// retrying with exponential backoff while the guest is still booting.
func dialGuest(ctx context.Context, udsPath string, port uint32) (net.Conn, *bufio.Reader, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := 0; attempt < dialMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		conn, reader, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("set deadline: %w", err)
			}
		}
		return conn, reader, nil
	}

	return nil, nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and performs the CONNECT
// handshake that bridges the connection to the guest's vsock listener.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n". The returned
// reader must be used for all subsequent reads so bytes buffered during the
// handshake are not lost.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, *bufio.Reader, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	connectMsg := fmt.Sprintf("CONNECT %d\n", port)
	if _, err := conn.Write([]byte(connectMsg)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return conn, reader, nil
}
