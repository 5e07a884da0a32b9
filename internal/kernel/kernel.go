// Package kernel resolves the target kernel for a calibration run.
package kernel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"kdump-calibrate/internal/tools"
)

// ErrKernelNotFound indicates that the target kernel could not be determined.
var ErrKernelNotFound = errors.New("cannot determine target kernel")

// Find asks kdumptool for the kernel that a crash-capture environment on this
// machine would use. The tool emits "Key: value" lines; the kernel path is
// the value of the "Kernel" key. The boot configuration file lives in the
// tool directory, like the other collaborator inputs.
func Find(toolDir, configFile string) (string, error) {
	tool := &tools.Tool{
		Path: filepath.Join(toolDir, "kdumptool"),
		Args: []string{"-F", filepath.Join(toolDir, configFile), "find_kernel"},
	}

	out, err := tool.Output()
	if err != nil {
		return "", fmt.Errorf("find_kernel: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		if key == "Kernel" {
			return strings.TrimSpace(value), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("find_kernel output: %w", err)
	}

	return "", ErrKernelNotFound
}

// Version resolves the version string of the given kernel image. The helper
// is looked up on PATH; its output is consumed verbatim, trimmed of
// surrounding whitespace.
func Version(kernelPath string) (string, error) {
	tool := &tools.Tool{
		Path: "get_kernel_version",
		Args: []string{kernelPath},
	}

	out, err := tool.Output()
	if err != nil {
		return "", fmt.Errorf("kernel version: %w", err)
	}

	version := strings.TrimSpace(string(out))
	if version == "" {
		return "", fmt.Errorf("kernel version: empty output for %s", kernelPath)
	}
	return version, nil
}
