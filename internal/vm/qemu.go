// Package vm boots one virtual machine instance to completion and captures
// its console output and instrumentation log.
package vm

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"kdump-calibrate/internal/config"
	"kdump-calibrate/internal/host"
	"kdump-calibrate/internal/logging"
	"kdump-calibrate/internal/scenario"
	"kdump-calibrate/internal/tools"

	"github.com/sirupsen/logrus"
)

// Runner launches the architecture-specific QEMU system emulator.
type Runner struct {
	host   *host.HostConfig
	logger *logrus.Logger
}

func NewRunner() (*Runner, error) {
	hostConfig, err := host.GetHostConfig()
	if err != nil {
		return nil, err
	}
	return &Runner{
		host:   hostConfig,
		logger: logging.GetVMLogger(),
	}, nil
}

// Run boots the VM and blocks until it exits. Termination is expected when
// the control program signals completion and the kernel panics on the
// simulated crash path; reboot on crash is disabled so the process exits
// instead of looping. There is deliberately no timeout.
func (r *Runner) Run(params *config.RunParameters, image *scenario.BootImage, hdr *scenario.CoreHeaderDescriptor) error {
	r.logger.WithFields(logrus.Fields{
		"qemu":    r.host.QEMUBinary,
		"network": params.Network,
		"cpus":    params.NumCPUs,
		"ram_kib": params.TotalRAMKiB,
	}).Info("Booting measurement VM")

	qemu := &tools.Tool{
		Path: r.host.QEMUBinary,
		Args: qemuArgs(r.host, params, image, hdr),
	}
	if err := qemu.Run(); err != nil {
		return fmt.Errorf("vm boot: %w", err)
	}

	// The VM is only useful if both streams actually got written.
	for _, log := range []string{params.MessagesLog, params.TrackRSSLog} {
		info, err := os.Stat(log)
		if err != nil {
			return fmt.Errorf("vm boot: %w", err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("vm boot: %s is empty", log)
		}
	}

	r.logger.Info("VM run complete")
	return nil
}

// kernelCmdline builds the kernel command line for one run: deterministic
// boot (no KASLR), panic on oops, the core-header address and crash-region
// size, and the bind-mounted kdump root. Everything after "--" goes to the
// instrumentation control program.
func kernelCmdline(hc *host.HostConfig, params *config.RunParameters, hdr *scenario.CoreHeaderDescriptor) string {
	args := []string{
		"panic=1",
		"nokaslr",
		"console=" + hc.Console,
		fmt.Sprintf("elfcorehdr=0x%x crashkernel=%dK@0x%x", hdr.Address, hdr.SizeKiB, hdr.Address),
		"root=kdump",
		"rootflags=bind",
		"--",
		"trackrss=" + hc.LogDevice,
	}
	if params.Network {
		args = append(args, "bootdev=eth0", "ip=eth0:dhcp")
	}
	return strings.Join(args, " ")
}

func qemuArgs(hc *host.HostConfig, params *config.RunParameters, image *scenario.BootImage, hdr *scenario.CoreHeaderDescriptor) []string {
	args := []string{
		"-smp", strconv.FormatInt(params.NumCPUs, 10),
		"-no-reboot",
		"-m", fmt.Sprintf("%dK", params.TotalRAMKiB),
		"-display", "none",
		"-serial", "file:" + params.MessagesLog,
		"-serial", "file:" + params.TrackRSSLog,
		"-kernel", params.Kernel,
		"-initrd", image.Path,
		"-append", kernelCmdline(hc, params, hdr),
		// The core header is passed as a synthetic loaded object at a fixed
		// physical address; the command line is parsed too late in boot to
		// reliably relocate regions already in use.
		"-device", fmt.Sprintf("loader,file=%s,force-raw=on,addr=0x%x", hdr.Path, hdr.Address),
	}
	if params.Network {
		args = append(args, "-nic", "user,model=e1000e")
	}
	return args
}
