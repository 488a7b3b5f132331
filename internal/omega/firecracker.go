package omega

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

// FirecrackerConfig parameterizes the microVM runtime.
type FirecrackerConfig struct {
	Bin              string
	KernelImage      string
	RootfsImage      string
	WorkspaceDir     string
	MaxVMs           int
	VMTimeoutSeconds float64
}

type firecrackerVM struct {
	VMID        string `json:"vm_id"`
	SubstrateID string `json:"substrate_id"`
	APISocket   string `json:"api_socket"`
	ConfigPath  string `json:"config_path"`
	LogPath     string `json:"log_path"`
	PID         int    `json:"pid"`
	StartedAt   string `json:"started_at"`
	Status      string `json:"status"`

	cmd *exec.Cmd

	// exitCode is written by the reaper goroutine before waitDone
	// closes; read it only after observing the close.
	waitDone chan struct{}
	exitCode int
}

func (vm *firecrackerVM) exited() bool {
	select {
	case <-vm.waitDone:
		return true
	default:
		return false
	}
}

// FirecrackerRuntime launches substrate microVMs as firecracker
// processes under a workspace directory, bounded by MaxVMs.
type FirecrackerRuntime struct {
	cfg FirecrackerConfig

	mu  sync.Mutex
	vms map[string]*firecrackerVM
}

// NewFirecrackerRuntime creates the runtime without probing anything;
// readiness is checked on snapshot and launch.
func NewFirecrackerRuntime(cfg FirecrackerConfig) *FirecrackerRuntime {
	if cfg.MaxVMs < 1 {
		cfg.MaxVMs = 1
	}
	if cfg.VMTimeoutSeconds <= 0 {
		cfg.VMTimeoutSeconds = 5
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(os.TempDir(), "arqonbus-omega")
	}
	return &FirecrackerRuntime{cfg: cfg, vms: make(map[string]*firecrackerVM)}
}

func (r *FirecrackerRuntime) binAvailable() bool {
	_, err := exec.LookPath(r.cfg.Bin)
	return err == nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Snapshot reports runtime readiness and VM counts.
func (r *FirecrackerRuntime) Snapshot() map[string]interface{} {
	r.mu.Lock()
	vmCount := len(r.vms)
	r.mu.Unlock()

	binOK := r.binAvailable()
	kernelOK := fileExists(r.cfg.KernelImage)
	rootfsOK := fileExists(r.cfg.RootfsImage)
	return map[string]interface{}{
		"firecracker_bin": r.cfg.Bin,
		"bin_available":   binOK,
		"kernel_image":    r.cfg.KernelImage,
		"kernel_exists":   kernelOK,
		"rootfs_image":    r.cfg.RootfsImage,
		"rootfs_exists":   rootfsOK,
		"workspace_dir":   r.cfg.WorkspaceDir,
		"vm_count":        vmCount,
		"max_vms":         r.cfg.MaxVMs,
		"ready":           binOK && kernelOK && rootfsOK,
	}
}

func (r *FirecrackerRuntime) assertReady() error {
	if !r.binAvailable() {
		return fmt.Errorf("firecracker binary not found on PATH: %s", r.cfg.Bin)
	}
	if !fileExists(r.cfg.KernelImage) {
		return fmt.Errorf("firecracker kernel image missing: %s", r.cfg.KernelImage)
	}
	if !fileExists(r.cfg.RootfsImage) {
		return fmt.Errorf("firecracker rootfs image missing: %s", r.cfg.RootfsImage)
	}
	return nil
}

// LaunchVM starts one microVM for a substrate. vcpu_count and
// mem_size_mib come from the substrate metadata.
func (r *FirecrackerRuntime) LaunchVM(substrateID string, metadata map[string]interface{}) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.assertReady(); err != nil {
		return nil, err
	}
	if len(r.vms) >= r.cfg.MaxVMs {
		return nil, fmt.Errorf("firecracker VM limit reached (%d)", r.cfg.MaxVMs)
	}

	vcpu := intFromMeta(metadata, "vcpu_count", 1)
	memMiB := intFromMeta(metadata, "mem_size_mib", 256)
	if vcpu < 1 {
		return nil, fmt.Errorf("'vcpu_count' must be >= 1")
	}
	if memMiB < 128 {
		return nil, fmt.Errorf("'mem_size_mib' must be >= 128")
	}

	vmID := randomID("fc")
	vmDir := filepath.Join(r.cfg.WorkspaceDir, vmID)
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return nil, fmt.Errorf("create vm workspace: %w", err)
	}
	apiSocket := filepath.Join(vmDir, "firecracker.sock")
	configPath := filepath.Join(vmDir, "firecracker.json")
	logPath := filepath.Join(vmDir, "firecracker.log")

	machineConfig := map[string]interface{}{
		"boot-source": map[string]interface{}{
			"kernel_image_path": r.cfg.KernelImage,
			"boot_args":         "console=ttyS0 reboot=k panic=1 pci=off",
		},
		"drives": []map[string]interface{}{{
			"drive_id":       "rootfs",
			"path_on_host":   r.cfg.RootfsImage,
			"is_root_device": true,
			"is_read_only":   false,
		}},
		"machine-config": map[string]interface{}{
			"vcpu_count":   vcpu,
			"mem_size_mib": memMiB,
			"ht_enabled":   false,
		},
	}
	raw, err := json.Marshal(machineConfig)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write vm config: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open vm log: %w", err)
	}
	cmd := exec.Command(r.cfg.Bin, "--api-sock", apiSocket, "--config-file", configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start firecracker: %w", err)
	}
	logFile.Close()

	vm := &firecrackerVM{
		VMID:        vmID,
		SubstrateID: substrateID,
		APISocket:   apiSocket,
		ConfigPath:  configPath,
		LogPath:     logPath,
		PID:         cmd.Process.Pid,
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
		Status:      "running",
		cmd:         cmd,
		waitDone:    make(chan struct{}),
	}

	// Reap the child as soon as it exits so ProcessState is real and no
	// zombie lingers between exit and StopVM.
	go func() {
		_ = cmd.Wait()
		if cmd.ProcessState != nil {
			vm.exitCode = cmd.ProcessState.ExitCode()
		}
		close(vm.waitDone)
	}()

	// Give the process a moment to fail fast on a bad config.
	select {
	case <-vm.waitDone:
		return nil, fmt.Errorf("firecracker failed to start (exit=%d), see %s",
			vm.exitCode, logPath)
	case <-time.After(350 * time.Millisecond):
	}

	r.vms[vmID] = vm
	return vmInfo(vm), nil
}

// StopVM terminates a VM, escalating to SIGKILL after the timeout.
func (r *FirecrackerRuntime) StopVM(vmID string) (map[string]interface{}, error) {
	r.mu.Lock()
	vm, ok := r.vms[vmID]
	if ok {
		delete(r.vms, vmID)
	}
	r.mu.Unlock()
	if !ok {
		return map[string]interface{}{"stopped": false, "vm_id": vmID, "reason": "not_found"}, nil
	}

	if !vm.exited() {
		_ = vm.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-vm.waitDone:
		case <-time.After(time.Duration(r.cfg.VMTimeoutSeconds * float64(time.Second))):
			_ = vm.cmd.Process.Kill()
			<-vm.waitDone
		}
	}
	vm.Status = "stopped"
	return map[string]interface{}{"stopped": true, "vm_id": vmID}, nil
}

// ListVMs returns the live VM table.
func (r *FirecrackerRuntime) ListVMs() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.vms))
	for id := range r.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	vms := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		vm := r.vms[id]
		info := vmInfo(vm)
		if vm.exited() {
			info["status"] = "exited"
			info["exit_code"] = vm.exitCode
		}
		vms = append(vms, info)
	}
	return map[string]interface{}{"vms": vms, "count": len(vms)}
}

// Close stops every VM, best effort.
func (r *FirecrackerRuntime) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.vms))
	for id := range r.vms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_, _ = r.StopVM(id)
	}
}

func vmInfo(vm *firecrackerVM) map[string]interface{} {
	return map[string]interface{}{
		"vm_id":        vm.VMID,
		"substrate_id": vm.SubstrateID,
		"pid":          vm.PID,
		"api_socket":   vm.APISocket,
		"config_path":  vm.ConfigPath,
		"log_path":     vm.LogPath,
		"started_at":   vm.StartedAt,
		"status":       vm.Status,
	}
}

func intFromMeta(meta map[string]interface{}, key string, fallback int) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
