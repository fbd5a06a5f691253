package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lv "libvirt.org/go/libvirt"

	"github.com/willynikes2/GenOS/internal/adapter"
)

// QEMU guest agent commands ride the QMP protocol: guest-exec starts a
// process, guest-exec-status polls it until exit.

type guestResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type guestExecRequest struct {
	Execute   string             `json:"execute"`
	Arguments guestExecArguments `json:"arguments"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResponse struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type guestExecStatusRequest struct {
	Execute   string                   `json:"execute"`
	Arguments guestExecStatusArguments `json:"arguments"`
}

type guestExecStatusArguments struct {
	PID int `json:"pid"`
}

type guestExecStatusResponse struct {
	Return struct {
		Exited   bool   `json:"exited"`
		ExitCode int    `json:"exitcode"`
		OutData  string `json:"out-data"`
		ErrData  string `json:"err-data"`
	} `json:"return"`
}

// pingGuestAgent checks whether the agent inside the domain answers.
func pingGuestAgent(domain *lv.Domain) bool {
	_, err := domain.QemuAgentCommand(
		`{"execute":"guest-info"}`,
		lv.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT,
		0,
	)
	return err == nil
}

// waitForGuestAgent polls until the agent answers, retries run out, or the
// context is cancelled.
func waitForGuestAgent(ctx context.Context, domain *lv.Domain, interval time.Duration, retries int) error {
	if retries <= 0 {
		retries = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	for i := 0; i < retries; i++ {
		if pingGuestAgent(domain) {
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("timeout waiting for guest agent after %d attempts", retries)
}

func runGuestShellCommand(domain *lv.Domain, script string, timeout time.Duration) (guestResult, error) {
	return runGuestCommand(domain, "/bin/sh", []string{"-c", script}, timeout)
}

func runGuestCommand(domain *lv.Domain, path string, args []string, timeout time.Duration) (guestResult, error) {
	if strings.TrimSpace(path) == "" {
		return guestResult{}, errors.New("guest command path is required")
	}
	if timeout <= 0 {
		timeout = guestCommandTimeout
	}
	if args == nil {
		args = []string{}
	}

	req := guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path:          path,
			Arg:           args,
			CaptureOutput: true,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return guestResult{}, fmt.Errorf("marshal guest exec request: %w", err)
	}

	resp, err := domain.QemuAgentCommand(string(payload), lv.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
	if err != nil {
		return guestResult{}, fmt.Errorf("invoke guest exec: %w", err)
	}

	var execResp guestExecResponse
	if err := json.Unmarshal([]byte(resp), &execResp); err != nil {
		return guestResult{}, fmt.Errorf("decode guest exec response: %w", err)
	}
	if execResp.Return.PID == 0 {
		return guestResult{}, errors.New("guest exec returned invalid pid")
	}

	return waitForGuestCommand(domain, execResp.Return.PID, timeout)
}

func waitForGuestCommand(domain *lv.Domain, pid int, timeout time.Duration) (guestResult, error) {
	deadline := time.Now().Add(timeout)
	req := guestExecStatusRequest{
		Execute:   "guest-exec-status",
		Arguments: guestExecStatusArguments{PID: pid},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return guestResult{}, fmt.Errorf("marshal guest exec status request: %w", err)
	}

	for {
		resp, err := domain.QemuAgentCommand(string(payload), lv.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
		if err != nil {
			return guestResult{}, fmt.Errorf("query guest exec status: %w", err)
		}

		var status guestExecStatusResponse
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return guestResult{}, fmt.Errorf("decode guest exec status: %w", err)
		}

		if status.Return.Exited {
			result := guestResult{
				ExitCode: status.Return.ExitCode,
				Stdout:   decodeBase64(status.Return.OutData),
				Stderr:   decodeBase64(status.Return.ErrData),
			}
			if status.Return.ExitCode != 0 {
				return result, fmt.Errorf("guest command exit code %d: %s", status.Return.ExitCode, strings.TrimSpace(result.Stderr))
			}
			return result, nil
		}

		if time.Now().After(deadline) {
			return guestResult{}, errors.New("guest command timed out")
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// buildLaunchScript mounts the seed cdrom and hands the manifest to the
// session manager. Re-running it is safe: the mount check skips a mounted
// seed and the session manager treats a repeated start as a no-op.
func buildLaunchScript() string {
	return fmt.Sprintf(`set -eu
mkdir -p %[1]s
if ! mountpoint -q %[1]s; then
    for dev in $(lsblk -nrpo NAME,TYPE 2>/dev/null | awk '$2 == "rom" { print $1 }'); do
        [ -b "$dev" ] || continue
        if mount -o ro "$dev" %[1]s >/dev/null 2>&1; then
            break
        fi
    done
fi
[ -f %[1]s/%[2]s ] || { echo "seed manifest not found" >&2; exit 1; }
%[3]s start --manifest %[1]s/%[2]s
`, SeedMountPath, ManifestFilename, SessionBinaryPath)
}

// buildPolicyScript renders the in-guest firewall rules for a policy.
// Isolated drops everything but loopback, filtered allows outbound only,
// open accepts both directions.
func buildPolicyScript(p adapter.Policy) string {
	var b strings.Builder
	b.WriteString("set -eu\n")
	b.WriteString("iptables -F INPUT\n")
	b.WriteString("iptables -F OUTPUT\n")

	switch {
	case p.AllowEgress && p.AllowIngress:
		b.WriteString("iptables -P INPUT ACCEPT\n")
		b.WriteString("iptables -P OUTPUT ACCEPT\n")
	case p.AllowEgress:
		b.WriteString("iptables -P INPUT DROP\n")
		b.WriteString("iptables -P OUTPUT ACCEPT\n")
		b.WriteString("iptables -A INPUT -i lo -j ACCEPT\n")
		b.WriteString("iptables -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT\n")
	default:
		b.WriteString("iptables -P INPUT DROP\n")
		b.WriteString("iptables -P OUTPUT DROP\n")
		b.WriteString("iptables -A INPUT -i lo -j ACCEPT\n")
		b.WriteString("iptables -A OUTPUT -o lo -j ACCEPT\n")
	}
	return b.String()
}

// buildRevokeScript clears all in-guest firewall state.
func buildRevokeScript() string {
	return `set -eu
iptables -P INPUT ACCEPT
iptables -P OUTPUT ACCEPT
iptables -F INPUT
iptables -F OUTPUT
`
}
