package guest

import (
	"fmt"
	"log"
	"os/exec"
	"strings"

	fc "github.com/willynikes2/GenOS/internal/adapter/firecracker"
)

// applyPolicy enforces a network policy with iptables inside the guest.
func (a *Agent) applyPolicy(p *fc.PolicySpec) fc.GuestReply {
	if p == nil {
		return fc.GuestReply{Error: "apply_policy requires a policy payload"}
	}
	if err := runScript(policyScript(p)); err != nil {
		return fc.GuestReply{Error: fmt.Sprintf("apply %s policy: %v", p.NetworkMode, err)}
	}
	log.Printf("applied %s network policy", p.NetworkMode)
	return fc.GuestReply{OK: true}
}

// revokePolicy restores unrestricted traffic.
func (a *Agent) revokePolicy() fc.GuestReply {
	if err := runScript(revokeScript()); err != nil {
		return fc.GuestReply{Error: fmt.Sprintf("revoke policy: %v", err)}
	}
	log.Println("revoked network policy")
	return fc.GuestReply{OK: true}
}

// policyScript renders the iptables commands enforcing a network policy. The
// display port stays reachable in every mode: streaming sessions are control
// plane traffic, not environment network reach. The vsock channel is not IP
// and is never affected.
func policyScript(p *fc.PolicySpec) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString("iptables -F INPUT\n")
	b.WriteString("iptables -F OUTPUT\n")
	switch {
	case p.AllowIngress && p.AllowEgress:
		b.WriteString("iptables -P INPUT ACCEPT\n")
		b.WriteString("iptables -P OUTPUT ACCEPT\n")
	case p.AllowEgress:
		b.WriteString("iptables -P INPUT DROP\n")
		b.WriteString("iptables -P OUTPUT ACCEPT\n")
		b.WriteString("iptables -A INPUT -i lo -j ACCEPT\n")
		fmt.Fprintf(&b, "iptables -A INPUT -p tcp --dport %d -j ACCEPT\n", DisplayPort)
		b.WriteString("iptables -A INPUT -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT\n")
	default:
		b.WriteString("iptables -P INPUT DROP\n")
		b.WriteString("iptables -P OUTPUT DROP\n")
		b.WriteString("iptables -A INPUT -i lo -j ACCEPT\n")
		b.WriteString("iptables -A OUTPUT -o lo -j ACCEPT\n")
		fmt.Fprintf(&b, "iptables -A INPUT -p tcp --dport %d -j ACCEPT\n", DisplayPort)
		b.WriteString("iptables -A OUTPUT -m conntrack --ctstate ESTABLISHED -j ACCEPT\n")
	}
	return b.String()
}

// revokeScript renders the iptables commands removing all restrictions.
func revokeScript() string {
	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString("iptables -P INPUT ACCEPT\n")
	b.WriteString("iptables -P OUTPUT ACCEPT\n")
	b.WriteString("iptables -F INPUT\n")
	b.WriteString("iptables -F OUTPUT\n")
	return b.String()
}

// runScript executes a shell script, folding its combined output into the
// error on failure.
func runScript(script string) error {
	out, err := exec.Command("/bin/sh", "-c", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
