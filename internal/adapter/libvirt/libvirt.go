// Package libvirt runs environments as full KVM virtual machines. It serves
// the specs microVMs cannot: Windows and macOS base images, GPU access, and
// resource profiles past the microVM thresholds. Each environment gets a
// qcow2 overlay on its base image, a seed cdrom with the launch manifest, and
// a transient domain; the QEMU guest agent carries policy and launch commands
// into the guest, and the domain's VNC server backs streaming sessions.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lv "libvirt.org/go/libvirt"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/model"
)

// vmState tracks one environment's VM.
type vmState struct {
	envID      string
	domainName string
	domainXML  string
	runDir     string
	started    bool
}

// Adapters implements the runtime, sandbox, and streaming contracts on
// libvirt. Connections are opened per operation so a libvirtd restart never
// strands the adapter.
type Adapters struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vmState
}

var (
	_ adapter.Runtime   = (*Adapters)(nil)
	_ adapter.Sandbox   = (*Adapters)(nil)
	_ adapter.Streaming = (*Adapters)(nil)
)

// New creates the libvirt adapters and ensures the managed networks exist on
// the hypervisor.
func New(cfg Config, logger *slog.Logger) (*Adapters, error) {
	if cfg.ImageDir == "" {
		return nil, errors.New("image directory is not configured")
	}
	if cfg.BaseDir == "" {
		return nil, errors.New("base directory is not configured")
	}

	conn, err := lv.NewConnect(cfg.ConnectURI)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", cfg.ConnectURI, err)
	}
	defer conn.Close()

	if err := ensureNetworks(conn, cfg, logger); err != nil {
		return nil, err
	}

	return &Adapters{
		cfg:    cfg,
		logger: logger,
		vms:    make(map[string]*vmState),
	}, nil
}

// Set returns the three adapter roles backed by this instance.
func (a *Adapters) Set() adapter.Set {
	return adapter.Set{Runtime: a, Sandbox: a, Streaming: a}
}

func (a *Adapters) connect() (*lv.Connect, error) {
	conn, err := lv.NewConnect(a.cfg.ConnectURI)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", a.cfg.ConnectURI, err)
	}
	return conn, nil
}

// Create prepares a VM: overlay disk, seed cdrom, and the domain definition.
// The domain is not created on the hypervisor until Start. A missing base
// image is fatal since no retry can produce one.
func (a *Adapters) Create(ctx context.Context, spec model.EnvironmentSpec, res model.Reservation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	handle := handlePrefix + res.EnvID
	a.mu.Lock()
	if _, exists := a.vms[handle]; exists {
		a.mu.Unlock()
		return handle, nil
	}
	a.mu.Unlock()

	imagePath := filepath.Join(a.cfg.ImageDir, fmt.Sprintf(ImageFilename, spec.BaseImage))
	if _, err := os.Stat(imagePath); err != nil {
		return "", adapter.Fatal(adapter.SubsystemRuntime, "create",
			fmt.Errorf("base image for %q: %w", spec.BaseImage, err))
	}

	runDir := filepath.Join(a.cfg.BaseDir, res.EnvID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}

	overlayPath := filepath.Join(runDir, "disk-overlay.qcow2")
	if err := createDiskOverlay(imagePath, overlayPath); err != nil {
		os.RemoveAll(runDir)
		return "", fmt.Errorf("prepare overlay disk: %w", err)
	}

	seedPath, err := createSeedISO(runDir, seedManifest{
		EnvironmentID: res.EnvID,
		Owner:         spec.Owner,
		Applications:  spec.Applications,
		NetworkMode:   spec.NetworkMode,
	})
	if err != nil {
		os.RemoveAll(runDir)
		return "", fmt.Errorf("prepare seed disk: %w", err)
	}

	domainName := domainPrefix + res.EnvID
	domainXML, err := renderDomainXML(domainData{
		Name:        domainName,
		VCPUs:       res.CPU,
		MemoryMB:    res.MemoryMB,
		OverlayPath: overlayPath,
		SeedPath:    seedPath,
		MACAddress:  generateMAC(res.EnvID),
		Network:     a.networkForMode(spec.NetworkMode),
		VideoModel:  videoModelFor(spec.Resources.GPU),
		GPU:         spec.Resources.GPU,
	})
	if err != nil {
		os.RemoveAll(runDir)
		return "", fmt.Errorf("render domain definition: %w", err)
	}

	domainXMLPath := filepath.Join(runDir, "domain.xml")
	if err := os.WriteFile(domainXMLPath, domainXML, 0o644); err != nil {
		os.RemoveAll(runDir)
		return "", fmt.Errorf("write domain definition: %w", err)
	}

	a.mu.Lock()
	a.vms[handle] = &vmState{
		envID:      res.EnvID,
		domainName: domainName,
		domainXML:  string(domainXML),
		runDir:     runDir,
	}
	a.mu.Unlock()

	a.logger.Info("VM prepared",
		"env_id", res.EnvID,
		"domain", domainName,
		"base_image", spec.BaseImage,
		"vcpus", res.CPU,
		"mem_mb", res.MemoryMB,
		"gpu", spec.Resources.GPU,
	)
	return handle, nil
}

// Start creates the transient domain, waits for the guest agent, and runs the
// launch script that hands the seed manifest to the session manager. A second
// Start on a running VM only re-issues the launch.
func (a *Adapters) Start(ctx context.Context, handle string) error {
	vm, err := a.lookup(handle)
	if err != nil {
		return err
	}

	conn, err := a.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.DomainCreateXML(vm.domainXML, 0)
	if err != nil {
		// A retry after a partial failure finds the domain already running.
		domain, err = conn.LookupDomainByName(vm.domainName)
		if err != nil {
			return fmt.Errorf("create domain %s: %w", vm.domainName, err)
		}
	}
	defer domain.Free()

	a.mu.Lock()
	vm.started = true
	a.mu.Unlock()

	if err := waitForGuestAgent(ctx, domain, agentPollInterval, agentPollRetries); err != nil {
		return fmt.Errorf("guest agent for %s: %w", vm.domainName, err)
	}

	if _, err := runGuestShellCommand(domain, buildLaunchScript(), guestCommandTimeout); err != nil {
		return fmt.Errorf("launch session in %s: %w", vm.domainName, err)
	}

	a.logger.Info("VM started", "handle", handle, "domain", vm.domainName)
	return nil
}

// Pause freezes the VM's vCPUs.
func (a *Adapters) Pause(ctx context.Context, handle string) error {
	return a.withDomain(ctx, handle, func(domain *lv.Domain) error {
		if err := domain.Suspend(); err != nil {
			return fmt.Errorf("suspend domain: %w", err)
		}
		return nil
	})
}

// Resume unfreezes the VM's vCPUs.
func (a *Adapters) Resume(ctx context.Context, handle string) error {
	return a.withDomain(ctx, handle, func(domain *lv.Domain) error {
		if err := domain.Resume(); err != nil {
			return fmt.Errorf("resume domain: %w", err)
		}
		return nil
	})
}

// Terminate destroys the VM and removes its run directory. Unknown handles
// are a no-op so repeated termination is safe. The tracked state survives a
// failed destroy so a retry can finish the job.
func (a *Adapters) Terminate(_ context.Context, handle string) error {
	vm, err := a.lookup(handle)
	if err != nil {
		return nil
	}

	conn, err := a.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(vm.domainName)
	if err == nil {
		destroyErr := domain.Destroy()
		domain.Free()
		if destroyErr != nil && !isNoDomain(destroyErr) {
			return fmt.Errorf("destroy domain %s: %w", vm.domainName, destroyErr)
		}
	} else if !isNoDomain(err) {
		return fmt.Errorf("lookup domain %s: %w", vm.domainName, err)
	}

	if err := os.RemoveAll(vm.runDir); err != nil {
		a.logger.Warn("remove run directory failed", "handle", handle, "error", err)
	}

	a.mu.Lock()
	delete(a.vms, handle)
	a.mu.Unlock()

	a.logger.Info("VM terminated", "handle", handle, "domain", vm.domainName)
	return nil
}

// Status reports failed for unknown handles and dead domains, pending until
// the guest agent answers, and ready once it does. Paused VMs count as ready
// since resuming them needs no re-provisioning.
func (a *Adapters) Status(ctx context.Context, handle string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	vm, err := a.lookup(handle)
	if err != nil {
		return adapter.StatusFailed, nil
	}
	if !vm.started {
		return adapter.StatusPending, nil
	}

	conn, err := a.connect()
	if err != nil {
		return adapter.StatusPending, nil
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(vm.domainName)
	if err != nil {
		if isNoDomain(err) {
			return adapter.StatusFailed, nil
		}
		return adapter.StatusPending, nil
	}
	defer domain.Free()

	state, _, err := domain.GetState()
	if err != nil {
		return adapter.StatusPending, nil
	}

	switch state {
	case lv.DOMAIN_RUNNING:
		if pingGuestAgent(domain) {
			return adapter.StatusReady, nil
		}
		return adapter.StatusPending, nil
	case lv.DOMAIN_PAUSED, lv.DOMAIN_PMSUSPENDED:
		return adapter.StatusReady, nil
	case lv.DOMAIN_SHUTOFF, lv.DOMAIN_CRASHED:
		return adapter.StatusFailed, nil
	default:
		return adapter.StatusPending, nil
	}
}

// ApplyPolicy installs the isolation policy's firewall rules inside the guest.
func (a *Adapters) ApplyPolicy(ctx context.Context, handle string, p adapter.Policy) error {
	return a.withDomain(ctx, handle, func(domain *lv.Domain) error {
		if _, err := runGuestShellCommand(domain, buildPolicyScript(p), guestCommandTimeout); err != nil {
			return fmt.Errorf("apply policy: %w", err)
		}
		return nil
	})
}

// RevokePolicy clears the guest's firewall rules. Unknown handles are a
// no-op.
func (a *Adapters) RevokePolicy(ctx context.Context, handle string) error {
	a.mu.Lock()
	_, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.withDomain(ctx, handle, func(domain *lv.Domain) error {
		if _, err := runGuestShellCommand(domain, buildRevokeScript(), guestCommandTimeout); err != nil {
			return fmt.Errorf("revoke policy: %w", err)
		}
		return nil
	})
}

// Attach returns a session token for the domain's VNC server. Autoport binds
// the real port at domain start, so the domain XML is consulted live.
func (a *Adapters) Attach(ctx context.Context, handle string) (string, error) {
	var token string
	err := a.withDomain(ctx, handle, func(domain *lv.Domain) error {
		xmlDesc, err := domain.GetXMLDesc(0)
		if err != nil {
			return fmt.Errorf("describe domain: %w", err)
		}
		port, err := parseVNCPort(xmlDesc)
		if err != nil {
			return err
		}
		token = fmt.Sprintf("%s:%d", handle, port)
		return nil
	})
	if err != nil {
		return "", err
	}

	a.logger.Info("display session attached", "handle", handle, "token", token)
	return token, nil
}

// Detach releases a session token. The VNC server stays bound to the domain
// for its lifetime, so there is nothing to undo guest-side; tokens for
// unknown or destroyed VMs are a no-op.
func (a *Adapters) Detach(_ context.Context, _ string) error {
	return nil
}

// Shutdown terminates all tracked VMs.
func (a *Adapters) Shutdown(ctx context.Context) {
	a.mu.Lock()
	handles := make([]string, 0, len(a.vms))
	for h := range a.vms {
		handles = append(handles, h)
	}
	a.mu.Unlock()

	for _, h := range handles {
		if err := a.Terminate(ctx, h); err != nil {
			a.logger.Error("shutdown terminate failed", "handle", h, "error", err)
		}
	}
}

// lookup returns the tracked state for a handle. A handle that is missing
// from the map but follows the naming scheme is rebuilt from it, so domains
// that outlived the process stay reachable after a restart. Rebuilt state
// carries no domain XML; only operations against the live domain work.
func (a *Adapters) lookup(handle string) (*vmState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if vm, ok := a.vms[handle]; ok {
		return vm, nil
	}

	envID := strings.TrimPrefix(handle, handlePrefix)
	if envID == handle || envID == "" {
		return nil, fmt.Errorf("unknown VM %q", handle)
	}
	vm := &vmState{
		envID:      envID,
		domainName: domainPrefix + envID,
		runDir:     filepath.Join(a.cfg.BaseDir, envID),
		started:    true,
	}
	a.vms[handle] = vm
	return vm, nil
}

// withDomain runs fn against the handle's live domain.
func (a *Adapters) withDomain(ctx context.Context, handle string, fn func(*lv.Domain) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vm, err := a.lookup(handle)
	if err != nil {
		return err
	}

	conn, err := a.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(vm.domainName)
	if err != nil {
		return fmt.Errorf("lookup domain %s: %w", vm.domainName, err)
	}
	defer domain.Free()

	return fn(domain)
}

func isNoDomain(err error) bool {
	var lverr lv.Error
	if errors.As(err, &lverr) {
		return lverr.Code == lv.ERR_NO_DOMAIN
	}
	return false
}
