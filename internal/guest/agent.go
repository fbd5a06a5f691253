// Package guest implements the agent that runs inside environment microVMs.
// It receives control commands from the host over vsock: launching the
// applications an environment was provisioned with, enforcing network policy
// inside the guest, and exporting the desktop through a display server for
// streaming sessions.
package guest

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	fc "github.com/willynikes2/GenOS/internal/adapter/firecracker"
)

// Desktop session settings.
const (
	// displayName is the X display the desktop session runs on.
	displayName = ":0"

	// DisplayPort is the TCP port the display server exports the desktop on.
	DisplayPort = 5900

	// screenGeometry is the virtual screen layout for the desktop.
	screenGeometry = "1920x1080x24"

	// displayStartTimeout bounds the wait for the X server to come up.
	displayStartTimeout = 10 * time.Second

	// stopGracePeriod is how long session processes get to exit on SIGTERM
	// before being killed.
	stopGracePeriod = 3 * time.Second
)

// Binaries that make up the desktop session.
const (
	xServerBin       = "Xvfb"
	windowManagerBin = "openbox"
	displayServerBin = "x11vnc"
)

// displaySocketPath is the X server socket. Its presence signals the display
// is accepting clients.
var displaySocketPath = "/tmp/.X11-unix/X0"

// launchSpec describes how to start one application on the desktop.
type launchSpec struct {
	bin  string
	args []string
}

// launchCommands maps catalog application names to their launch commands.
// Names without an entry are CLI tooling baked into the rootfs and need no
// session process. Application names are validated against the catalog before
// a launch command reaches the guest.
var launchCommands = map[string]launchSpec{
	"vscode":      {bin: "code", args: []string{"--no-sandbox"}},
	"firefox":     {bin: "firefox"},
	"chrome":      {bin: "chromium", args: []string{"--no-sandbox"}},
	"tor-browser": {bin: "tor-browser"},
	"office":      {bin: "libreoffice"},
	"gimp":        {bin: "gimp"},
	"vlc":         {bin: "vlc"},
	"terminal":    {bin: "xterm"},
	"docker":      {bin: "dockerd"},
}

// Agent serves control commands for a single environment microVM. It owns the
// desktop session: the X server, the window manager, the display server, and
// every launched application.
type Agent struct {
	listener net.Listener

	mu       sync.Mutex
	system   map[string]*exec.Cmd // desktop session processes, keyed by binary name
	apps     map[string]*exec.Cmd // launched applications, keyed by catalog name
	sessions int
}

// New creates a guest agent serving connections from listener.
func New(listener net.Listener) *Agent {
	return &Agent{
		listener: listener,
		system:   make(map[string]*exec.Cmd),
		apps:     make(map[string]*exec.Cmd),
	}
}

// Serve accepts connections and dispatches commands. It blocks until the
// listener is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// handleConnection processes a single command on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var cmd fc.GuestCommand
	if err := fc.ReadFrame(conn, &cmd); err != nil {
		log.Printf("read command: %v", err)
		sendReply(conn, fc.GuestReply{Error: fmt.Sprintf("read command: %v", err)})
		return
	}

	reply := a.handleCommand(&cmd)
	sendReply(conn, reply)

	// The reply must reach the host before a shutdown takes the agent down.
	if cmd.Op == fc.OpShutdown && reply.OK {
		a.shutdown()
	}
}

// handleCommand executes one guest command and returns its reply.
func (a *Agent) handleCommand(cmd *fc.GuestCommand) fc.GuestReply {
	switch cmd.Op {
	case fc.OpPing:
		return fc.GuestReply{OK: true}
	case fc.OpLaunch:
		return a.launch(cmd.Applications)
	case fc.OpApplyPolicy:
		return a.applyPolicy(cmd.Policy)
	case fc.OpRevokePolicy:
		return a.revokePolicy()
	case fc.OpAttachDisplay:
		return a.attachDisplay()
	case fc.OpDetachDisplay:
		return a.detachDisplay(cmd.Session)
	case fc.OpShutdown:
		return fc.GuestReply{OK: true}
	default:
		return fc.GuestReply{Error: fmt.Sprintf("unsupported operation: %q", cmd.Op)}
	}
}

// launch starts the environment's applications on the desktop. Applications
// already running are left alone, so a retried launch command is safe.
func (a *Agent) launch(applications []string) fc.GuestReply {
	a.mu.Lock()
	defer a.mu.Unlock()

	var toStart []string
	for _, name := range applications {
		if _, running := a.apps[name]; running {
			continue
		}
		if _, ok := launchCommands[name]; !ok {
			continue
		}
		toStart = append(toStart, name)
	}
	if len(toStart) == 0 {
		return fc.GuestReply{OK: true}
	}

	if err := a.ensureDesktopLocked(); err != nil {
		return fc.GuestReply{Error: fmt.Sprintf("start desktop: %v", err)}
	}

	for _, name := range toStart {
		spec := launchCommands[name]
		cmd := exec.Command(spec.bin, spec.args...)
		cmd.Env = append(os.Environ(), "DISPLAY="+displayName)
		if err := cmd.Start(); err != nil {
			return fc.GuestReply{Error: fmt.Sprintf("launch %s: %v", name, err)}
		}
		a.apps[name] = cmd
		go a.reapApp(name, cmd)
		log.Printf("launched %s (pid %d)", name, cmd.Process.Pid)
	}

	return fc.GuestReply{OK: true}
}

// attachDisplay starts the display server if it is not already running and
// reports the port a streaming session connects to. Every session shares the
// one desktop.
func (a *Agent) attachDisplay() fc.GuestReply {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureDesktopLocked(); err != nil {
		return fc.GuestReply{Error: fmt.Sprintf("start desktop: %v", err)}
	}
	err := a.startSystemLocked(displayServerBin,
		"-display", displayName,
		"-rfbport", strconv.Itoa(DisplayPort),
		"-forever", "-shared", "-nopw", "-quiet")
	if err != nil {
		return fc.GuestReply{Error: fmt.Sprintf("start display server: %v", err)}
	}

	a.sessions++
	return fc.GuestReply{OK: true, DisplayPort: DisplayPort}
}

// detachDisplay releases a streaming session. The display server stays up for
// quick reattach; detaching with no active session is a no-op.
func (a *Agent) detachDisplay(session string) fc.GuestReply {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessions > 0 {
		a.sessions--
	}
	log.Printf("detached session %s (%d active)", session, a.sessions)
	return fc.GuestReply{OK: true}
}

// ensureDesktopLocked starts the X server and window manager if they are not
// already running. Callers must hold a.mu.
func (a *Agent) ensureDesktopLocked() error {
	if err := a.startSystemLocked(xServerBin, displayName, "-screen", "0", screenGeometry); err != nil {
		return err
	}
	if err := waitForDisplay(displayStartTimeout); err != nil {
		return err
	}
	return a.startSystemLocked(windowManagerBin)
}

// startSystemLocked starts one desktop session process unless it is already
// running. Callers must hold a.mu.
func (a *Agent) startSystemLocked(bin string, args ...string) error {
	if a.system[bin] != nil {
		return nil
	}
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), "DISPLAY="+displayName)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}
	a.system[bin] = cmd
	go a.reapSystem(bin, cmd)
	return nil
}

// reapApp waits for an application to exit and clears its slot so a later
// launch command can restart it.
func (a *Agent) reapApp(name string, cmd *exec.Cmd) {
	err := cmd.Wait()
	a.mu.Lock()
	if a.apps[name] == cmd {
		delete(a.apps, name)
	}
	a.mu.Unlock()
	if err != nil {
		log.Printf("%s exited: %v", name, err)
	}
}

// reapSystem waits for a session process to exit and clears its slot so the
// next command can restart it.
func (a *Agent) reapSystem(bin string, cmd *exec.Cmd) {
	err := cmd.Wait()
	a.mu.Lock()
	if a.system[bin] == cmd {
		delete(a.system, bin)
	}
	a.mu.Unlock()
	if err != nil {
		log.Printf("%s exited: %v", bin, err)
	}
}

// waitForDisplay polls for the X server socket until it appears or the
// timeout elapses.
func waitForDisplay(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(displaySocketPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("display %s not up after %s", displayName, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// shutdown stops the session and exits. Running as PID 1, exiting halts the
// kernel, which ends the microVM.
func (a *Agent) shutdown() {
	log.Println("shutdown requested, stopping session")
	a.stopAll()
	os.Exit(0)
}

// stopAll signals every session process to terminate, then kills whatever
// remains after the grace period.
func (a *Agent) stopAll() {
	a.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(a.apps)+len(a.system))
	for _, cmd := range a.apps {
		procs = append(procs, cmd)
	}
	for _, cmd := range a.system {
		procs = append(procs, cmd)
	}
	a.mu.Unlock()

	for _, cmd := range procs {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		remaining := len(a.apps) + len(a.system)
		a.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, cmd := range procs {
		cmd.Process.Kill()
	}
}

// sendReply writes the reply frame to conn.
func sendReply(conn net.Conn, reply fc.GuestReply) {
	if err := fc.WriteFrame(conn, &reply); err != nil {
		log.Printf("write reply: %v", err)
	}
}
