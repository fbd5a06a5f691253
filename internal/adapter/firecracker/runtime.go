package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/model"
)

// vmState tracks one active microVM.
type vmState struct {
	machine   *fcsdk.Machine
	cid       uint32
	netCfg    *NetworkConfig
	socketDir string
	vsockPath string
	apps      []string
	started   bool
}

// Adapters implements the runtime, sandbox, and streaming contracts on
// Firecracker microVMs. The guest agent inside each VM executes launch,
// policy, and display commands delivered over vsock.
type Adapters struct {
	cfg    Config
	netMgr *NetworkManager
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vmState

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

var (
	_ adapter.Runtime   = (*Adapters)(nil)
	_ adapter.Sandbox   = (*Adapters)(nil)
	_ adapter.Streaming = (*Adapters)(nil)
)

// New creates the Firecracker adapters.
func New(cfg Config, logger *slog.Logger) (*Adapters, error) {
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}

	return &Adapters{
		cfg:      cfg,
		netMgr:   netMgr,
		logger:   logger,
		vms:      make(map[string]*vmState),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}, nil
}

// Set returns the three adapter roles backed by this instance.
func (a *Adapters) Set() adapter.Set {
	return adapter.Set{Runtime: a, Sandbox: a, Streaming: a}
}

// Verify checks that CNI plugins are available.
func (a *Adapters) Verify() error {
	return a.netMgr.Verify()
}

// Create prepares a microVM for the spec: rootfs overlay, network namespace
// on the mode's bridge, and the machine definition. The VM is not booted
// until Start. A missing rootfs for the base image is fatal since no retry
// can produce one.
func (a *Adapters) Create(ctx context.Context, spec model.EnvironmentSpec, res model.Reservation) (string, error) {
	handle := "fc-" + res.EnvID

	a.mu.Lock()
	if _, exists := a.vms[handle]; exists {
		a.mu.Unlock()
		return handle, nil
	}
	if len(a.vms) >= a.cfg.MaxConcurrentVMs {
		a.mu.Unlock()
		return "", fmt.Errorf("microVM limit reached (%d active)", a.cfg.MaxConcurrentVMs)
	}
	a.mu.Unlock()

	rootfsPath := RootfsPath(a.cfg.RootfsDir, spec.BaseImage)
	if _, err := os.Stat(rootfsPath); err != nil {
		return "", adapter.Fatal(adapter.SubsystemRuntime, "create",
			fmt.Errorf("rootfs for image %q: %w", spec.BaseImage, err))
	}

	cid, err := a.allocateCID()
	if err != nil {
		return "", fmt.Errorf("allocate CID: %w", err)
	}

	netCfg, err := a.netMgr.Setup(ctx, res.EnvID, spec.NetworkMode)
	if err != nil {
		a.releaseCID(cid)
		return "", fmt.Errorf("network setup: %w", err)
	}

	socketDir, err := os.MkdirTemp("", "genos-vm-"+res.EnvID+"-")
	if err != nil {
		a.releaseCID(cid)
		a.teardownNetwork(res.EnvID)
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		a.releaseCID(cid)
		a.teardownNetwork(res.EnvID)
		os.RemoveAll(socketDir)
		return "", fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(socketDir, res.EnvID+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, res.EnvID+vsockSocketSuffix)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: a.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  netCfg.MACAddress,
					HostDevName: netCfg.TAPDevice,
				},
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(res.CPU)),
			MemSizeMib: fcsdk.Int64(int64(res.MemoryMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  res.EnvID,
	}

	// The SDK wants a logrus logger; ours is slog, so it gets a discard.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(a.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(context.WithoutCancel(ctx))

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		a.releaseCID(cid)
		a.teardownNetwork(res.EnvID)
		os.RemoveAll(socketDir)
		return "", fmt.Errorf("create machine: %w", err)
	}

	a.mu.Lock()
	a.vms[handle] = &vmState{
		machine:   machine,
		cid:       cid,
		netCfg:    netCfg,
		socketDir: socketDir,
		vsockPath: vsockPath,
		apps:      spec.Applications,
	}
	a.mu.Unlock()

	a.logger.Info("microVM prepared",
		"env_id", res.EnvID,
		"base_image", spec.BaseImage,
		"vcpus", res.CPU,
		"mem_mb", res.MemoryMB,
		"cid", cid,
	)
	return handle, nil
}

// Start boots the microVM and asks the guest agent to launch the spec's
// applications. Starting an already-booted VM only re-issues the launch,
// which the guest treats as idempotent.
func (a *Adapters) Start(ctx context.Context, handle string) error {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown microVM %q", handle)
	}

	if !vm.started {
		bootStart := time.Now()
		if err := vm.machine.Start(ctx); err != nil {
			launchesTotal.WithLabelValues(outcomeFailed).Inc()
			return fmt.Errorf("start VM: %w", err)
		}
		vm.started = true
		activeVMs.Inc()
		vmBootDuration.Observe(time.Since(bootStart).Seconds())
	}

	if _, err := roundTrip(ctx, vm.vsockPath, a.cfg.VsockPort, GuestCommand{
		Op:           OpLaunch,
		Applications: vm.apps,
	}); err != nil {
		launchesTotal.WithLabelValues(outcomeFailed).Inc()
		return fmt.Errorf("launch applications: %w", err)
	}

	launchesTotal.WithLabelValues(outcomeStarted).Inc()
	a.logger.Info("microVM started", "handle", handle, "applications", len(vm.apps))
	return nil
}

// Pause freezes the microVM's vCPUs.
func (a *Adapters) Pause(ctx context.Context, handle string) error {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown microVM %q", handle)
	}
	if err := vm.machine.PauseVM(ctx); err != nil {
		return fmt.Errorf("pause VM: %w", err)
	}
	return nil
}

// Resume unfreezes the microVM's vCPUs.
func (a *Adapters) Resume(ctx context.Context, handle string) error {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown microVM %q", handle)
	}
	if err := vm.machine.ResumeVM(ctx); err != nil {
		return fmt.Errorf("resume VM: %w", err)
	}
	return nil
}

// Terminate destroys the microVM and all its resources. Unknown handles are
// a no-op so repeated termination is safe.
func (a *Adapters) Terminate(_ context.Context, handle string) error {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	if ok {
		delete(a.vms, handle)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.stopAndCleanup(handle, vm)
	return nil
}

// Status reports failed for unknown handles, pending until the guest agent
// answers a ping, and ready once it does.
func (a *Adapters) Status(ctx context.Context, handle string) (string, error) {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return adapter.StatusFailed, nil
	}
	if !vm.started {
		return adapter.StatusPending, nil
	}

	if _, err := roundTrip(ctx, vm.vsockPath, a.cfg.VsockPort, GuestCommand{Op: OpPing}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return adapter.StatusPending, nil
	}
	return adapter.StatusReady, nil
}

// ApplyPolicy sends the isolation policy to the guest agent, which installs
// the matching in-guest firewall rules.
func (a *Adapters) ApplyPolicy(ctx context.Context, handle string, p adapter.Policy) error {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown microVM %q", handle)
	}

	_, err := roundTrip(ctx, vm.vsockPath, a.cfg.VsockPort, GuestCommand{
		Op: OpApplyPolicy,
		Policy: &PolicySpec{
			NetworkMode:  p.NetworkMode,
			AllowEgress:  p.AllowEgress,
			AllowIngress: p.AllowIngress,
		},
	})
	return err
}

// RevokePolicy clears the guest's firewall rules. Unknown handles are a
// no-op.
func (a *Adapters) RevokePolicy(ctx context.Context, handle string) error {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := roundTrip(ctx, vm.vsockPath, a.cfg.VsockPort, GuestCommand{Op: OpRevokePolicy})
	return err
}

// Attach asks the guest to open a display session and returns its token.
func (a *Adapters) Attach(ctx context.Context, handle string) (string, error) {
	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown microVM %q", handle)
	}

	reply, err := roundTrip(ctx, vm.vsockPath, a.cfg.VsockPort, GuestCommand{Op: OpAttachDisplay})
	if err != nil {
		return "", err
	}

	token := fmt.Sprintf("%s:%d", handle, reply.DisplayPort)
	a.logger.Info("display session attached", "handle", handle, "display_port", reply.DisplayPort)
	return token, nil
}

// Detach closes a display session. Tokens for already-destroyed VMs are a
// no-op.
func (a *Adapters) Detach(ctx context.Context, token string) error {
	handle, _, found := cutToken(token)
	if !found {
		return nil
	}

	a.mu.Lock()
	vm, ok := a.vms[handle]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := roundTrip(ctx, vm.vsockPath, a.cfg.VsockPort, GuestCommand{
		Op:      OpDetachDisplay,
		Session: token,
	})
	return err
}

// Shutdown terminates all active microVMs and tears down networking.
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
	a.netMgr.TeardownAll(ctx)
}

// stopAndCleanup stops a VM and releases its resources. Background contexts
// keep cleanup running even when the caller's context is already cancelled.
func (a *Adapters) stopAndCleanup(handle string, vm *vmState) {
	cleanupStart := time.Now()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if vm.started {
		// Ask the agent to stop the desktop session first. The agent exits
		// on its own, so a successful reply makes the VMM shutdown a formality.
		if _, err := roundTrip(shutdownCtx, vm.vsockPath, a.cfg.VsockPort, GuestCommand{Op: OpShutdown}); err != nil {
			a.logger.Debug("guest shutdown failed", "handle", handle, "error", err)
		}
	}
	if err := vm.machine.Shutdown(shutdownCtx); err != nil {
		a.logger.Debug("graceful shutdown failed, forcing stop", "handle", handle, "error", err)
		if stopErr := vm.machine.StopVMM(); stopErr != nil {
			a.logger.Debug("StopVMM failed", "handle", handle, "error", stopErr)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := vm.machine.Wait(waitCtx); err != nil {
		a.logger.Debug("wait for VM exit failed", "handle", handle, "error", err)
	}

	if vm.started {
		activeVMs.Dec()
	}

	a.releaseCID(vm.cid)
	a.teardownNetwork(envIDFromHandle(handle))
	if vm.socketDir != "" {
		os.RemoveAll(vm.socketDir)
	}

	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
	a.logger.Debug("microVM cleanup complete", "handle", handle)
}

// teardownNetwork tears down networking with a fresh context, logging
// failures instead of propagating them.
func (a *Adapters) teardownNetwork(envID string) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := a.netMgr.Teardown(ctx, envID); err != nil {
		a.logger.Warn("network teardown failed", "env_id", envID, "error", err)
	}
}

// allocateCID returns the next available vsock CID.
func (a *Adapters) allocateCID() (uint32, error) {
	a.cidMu.Lock()
	defer a.cidMu.Unlock()

	scanRange := uint32(a.cfg.MaxConcurrentVMs + 10)
	for i := uint32(0); i < scanRange; i++ {
		candidate := max(a.cidNext+i, MinCID)
		if !a.cidInUse[candidate] {
			a.cidInUse[candidate] = true
			a.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(a.cidInUse))
}

// releaseCID returns a CID to the pool.
func (a *Adapters) releaseCID(cid uint32) {
	a.cidMu.Lock()
	defer a.cidMu.Unlock()
	delete(a.cidInUse, cid)
}

// envIDFromHandle strips the variant prefix from a handle.
func envIDFromHandle(handle string) string {
	if len(handle) > 3 && handle[:3] == "fc-" {
		return handle[3:]
	}
	return handle
}

// cutToken splits a session token into handle and display port.
func cutToken(token string) (handle, port string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == ':' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

// copyRootfs copies the base rootfs for one VM, using reflinks for
// copy-on-write where the filesystem supports them.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
