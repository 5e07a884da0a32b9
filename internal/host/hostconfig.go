package host

import (
	"fmt"
	"strings"
	"sync"

	"kdump-calibrate/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HostConfig contains host system configuration information.
// It is initialized once at startup and used throughout the application.
type HostConfig struct {
	// Machine is the normalized hardware architecture name.
	Machine string

	// QEMUBinary is the architecture-specific VM launcher executable name.
	QEMUBinary string

	// Console is the kernel console device for the VM. PowerPC machines boot
	// with a hypervisor console, everything else with a serial port.
	Console string

	// LogDevice is the major:minor pair of the second console device, where
	// the instrumentation control program writes its log.
	LogDevice string
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the global host configuration.
// It initializes the configuration on first call.
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = initializeHostConfig()
	})
	if globalHostConfig == nil && err == nil {
		err = fmt.Errorf("host configuration initialization previously failed")
	}
	return globalHostConfig, err
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("failed to read system identification: %w", err)
	}

	config := configForMachine(unix.ByteSliceToString(uts.Machine[:]))

	logger.WithFields(logrus.Fields{
		"machine":     config.Machine,
		"qemu_binary": config.QEMUBinary,
		"console":     config.Console,
	}).Debug("Initialized host configuration")

	return config, nil
}

func configForMachine(machine string) *HostConfig {
	config := &HostConfig{
		Machine: normalizeMachine(machine),
	}
	config.QEMUBinary = "qemu-system-" + config.Machine

	if strings.HasPrefix(config.Machine, "ppc") {
		config.Console = "hvc0"
		config.LogDevice = "229,1" // hvc1
	} else {
		config.Console = "ttyS0"
		config.LogDevice = "4,65" // ttyS1
	}

	return config
}

// normalizeMachine maps uname machine names onto QEMU system emulator names.
func normalizeMachine(machine string) string {
	switch machine {
	case "aarch64_be":
		return "aarch64"
	case "armv8b", "armv8l":
		return "arm"
	case "i586", "i686":
		return "i386"
	case "ppcle":
		return "ppc"
	case "ppc64le":
		return "ppc64"
	}
	return machine
}
