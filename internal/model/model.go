// Package model derives the final calibration constants from the counter
// maps of the two measurement runs. All arithmetic is integer-only with
// truncating division; downstream sizing policy needs exact, reproducible
// results.
package model

import (
	"fmt"

	"kdump-calibrate/internal/collectors"
	"kdump-calibrate/internal/config"
)

// Metrics the kernel-log parser must supply.
var kernelKeys = []string{
	"INIT_MEMFREE",
	"PAGESIZE",
	"SIZEOFPAGE",
	"PERCPU",
	"KERNEL_INIT",
}

// Metrics the user-space-log parser must supply.
var userKeys = []string{
	"USER_BASE",
	"INIT_CACHED",
}

// ReportKeys is the fixed emission order of the final report. All values are
// taken from the network-disabled run except the three network deltas.
var ReportKeys = []string{
	"KERNEL_BASE",
	"KERNEL_INIT",
	"INIT_CACHED",
	"PAGESIZE",
	"SIZEOFPAGE",
	"PERCPU",
	"USER_BASE",
	"INIT_NET",
	"INIT_CACHED_NET",
	"USER_NET",
}

// CalibrationResult is the final output artifact of the pipeline, derived
// exactly once after both runs complete.
type CalibrationResult struct {
	values collectors.CounterMap
}

// Get returns the value of one derived metric.
func (r *CalibrationResult) Get(name string) int64 {
	return r.values[name]
}

// Lines renders the report as NAME=value lines in fixed enumeration order.
func (r *CalibrationResult) Lines() []string {
	lines := make([]string, 0, len(ReportKeys))
	for _, name := range ReportKeys {
		lines = append(lines, fmt.Sprintf("%s=%d", name, r.values[name]))
	}
	return lines
}

// Calibrate combines the counter maps of the network-disabled and
// network-enabled runs into the final calibration result. It is a pure
// function of its inputs.
func Calibrate(params *config.RunParameters, base, net collectors.CounterMap) (*CalibrationResult, error) {
	derived, err := deriveRun(params, base)
	if err != nil {
		return nil, fmt.Errorf("network-disabled run: %w", err)
	}

	if err := requireAll(net); err != nil {
		return nil, fmt.Errorf("network-enabled run: %w", err)
	}

	derived["INIT_NET"] = net["KERNEL_INIT"] - base["KERNEL_INIT"]
	derived["INIT_CACHED_NET"] = net["INIT_CACHED"] - base["INIT_CACHED"]
	derived["USER_NET"] = net["USER_BASE"] - base["USER_BASE"]

	return &CalibrationResult{values: derived}, nil
}

// deriveRun applies the per-run derivation to one counter map and returns a
// fresh map holding both the raw and the derived metrics.
func deriveRun(params *config.RunParameters, counters collectors.CounterMap) (collectors.CounterMap, error) {
	if err := requireAll(counters); err != nil {
		return nil, err
	}

	pageSize := counters["PAGESIZE"]
	if pageSize < 1024 {
		return nil, fmt.Errorf("implausible page size %d", pageSize)
	}
	pageSizeKiB := pageSize / 1024

	derived := make(collectors.CounterMap, len(counters)+1)
	for name, value := range counters {
		derived[name] = value
	}

	// Everything not free after kernel init is attributed to the kernel,
	// minus the unpacked initramfs cache (which belongs to the boot image)
	// and the page-descriptor table (which scales with total RAM).
	kernelBase := params.TotalRAMKiB - counters["INIT_MEMFREE"]
	kernelBase -= counters["INIT_CACHED"]
	kernelBase -= MemmapPages(params.TotalRAMKiB, pageSize, counters["SIZEOFPAGE"]) * pageSizeKiB
	derived["KERNEL_BASE"] = kernelBase - counters["PERCPU"]

	derived["PERCPU"] = counters["PERCPU"] / params.NumCPUs

	return derived, nil
}

// MemmapPages returns the number of pages occupied by the kernel's global
// page-descriptor table for the given memory size, page size (bytes) and
// descriptor size.
func MemmapPages(totalRAMKiB, pageSize, sizeofPage int64) int64 {
	pageSizeKiB := pageSize / 1024
	pages := (totalRAMKiB + pageSizeKiB - 1) / pageSizeKiB
	return (pages*sizeofPage + pageSize - 1) / pageSize
}

func requireAll(counters collectors.CounterMap) error {
	if err := counters.Require(kernelKeys...); err != nil {
		return err
	}
	return counters.Require(userKeys...)
}
