// Package pipeline sequences the two measurement runs and emits the final
// calibration report.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kdump-calibrate/internal/collectors"
	"kdump-calibrate/internal/config"
	"kdump-calibrate/internal/kernel"
	"kdump-calibrate/internal/logging"
	"kdump-calibrate/internal/model"
	"kdump-calibrate/internal/scenario"
	"kdump-calibrate/internal/vm"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ScenarioBuilder assembles the boot artifacts for one run.
type ScenarioBuilder interface {
	InstallInitHelper() error
	StageDracut() error
	BuildBootImage(configFile, kernelVersion string, net bool) (*scenario.BootImage, error)
	BuildCoreHeader(addr uint64) (*scenario.CoreHeaderDescriptor, error)
}

// Runner boots one VM to completion.
type Runner interface {
	Run(params *config.RunParameters, image *scenario.BootImage, hdr *scenario.CoreHeaderDescriptor) error
}

// Reducer turns the two captured log streams into one counter map.
type Reducer func(toolDir, messagesLog, trackRSSLog string) (collectors.CounterMap, error)

// Pipeline drives the whole calibration: resolve the target kernel, build the
// shared core header, run the network-disabled and network-enabled scenarios
// strictly in sequence, and feed both counter maps to the calibration model.
// Concurrent VM boots would invalidate the deterministic-measurement
// assumption, so the runs never overlap.
type Pipeline struct {
	cfg    *config.CalibrationInfo
	id     string
	logger *logrus.Entry

	newBuilder func(scratchDir string) ScenarioBuilder
	newRunner  func() (Runner, error)
	reduce     Reducer
}

func New(cfg *config.CalibrationConfig) *Pipeline {
	id := uuid.NewString()
	p := &Pipeline{
		cfg:    &cfg.Calibration,
		id:     id,
		logger: logging.GetLogger().WithField("run_id", id),
		reduce: collectors.Reduce,
	}
	p.newBuilder = func(scratchDir string) ScenarioBuilder {
		return scenario.NewBuilder(p.cfg.ToolDir, p.cfg.DracutDir, scratchDir)
	}
	p.newRunner = func() (Runner, error) {
		return vm.NewRunner()
	}
	return p
}

// Run executes the full pipeline and writes the report to w. Scratch state is
// confined to one temporary directory and discarded unconditionally on exit.
func (p *Pipeline) Run(w io.Writer) error {
	kernelPath, err := kernel.Find(p.cfg.ToolDir, p.cfg.ConfigFile)
	if err != nil {
		return err
	}
	kernelVersion, err := kernel.Version(kernelPath)
	if err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"kernel":  kernelPath,
		"version": kernelVersion,
	}).Info("Resolved target kernel")

	scratchDir, err := os.MkdirTemp("", "kdump-calibrate-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	builder := p.newBuilder(scratchDir)

	// One core header for both runs: the load address must satisfy the same
	// early-boot-overwrite constraint regardless of scenario.
	hdr, err := builder.BuildCoreHeader(p.cfg.CoreHeaderAddr)
	if err != nil {
		return err
	}

	if err := builder.InstallInitHelper(); err != nil {
		return err
	}
	if err := builder.StageDracut(); err != nil {
		return err
	}

	runner, err := p.newRunner()
	if err != nil {
		return err
	}

	baseParams := p.runParameters(scratchDir, kernelPath, kernelVersion, false)
	base, err := p.runScenario(builder, runner, baseParams, hdr)
	if err != nil {
		return err
	}

	netParams := p.runParameters(scratchDir, kernelPath, kernelVersion, true)
	net, err := p.runScenario(builder, runner, netParams, hdr)
	if err != nil {
		return err
	}

	result, err := model.Calibrate(baseParams, base, net)
	if err != nil {
		return err
	}

	for _, line := range result.Lines() {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

// runScenario performs one measurement run end-to-end: build boot image, run
// the VM, reduce the captured logs.
func (p *Pipeline) runScenario(builder ScenarioBuilder, runner Runner, params *config.RunParameters, hdr *scenario.CoreHeaderDescriptor) (collectors.CounterMap, error) {
	logger := p.logger.WithField("network", params.Network)
	logger.Info("Starting measurement run")

	image, err := builder.BuildBootImage(p.cfg.BootConfigFile(params.Network), params.KernelVersion, params.Network)
	if err != nil {
		return nil, err
	}

	if err := runner.Run(params, image, hdr); err != nil {
		return nil, err
	}

	counters, err := p.reduce(p.cfg.ToolDir, params.MessagesLog, params.TrackRSSLog)
	if err != nil {
		return nil, err
	}

	logger.WithField("metrics", len(counters)).Info("Measurement run complete")
	return counters, nil
}

func (p *Pipeline) runParameters(scratchDir, kernelPath, kernelVersion string, net bool) *config.RunParameters {
	return &config.RunParameters{
		TotalRAMKiB:   p.cfg.TotalRAMKiB,
		NumCPUs:       p.cfg.NumCPUs,
		Kernel:        kernelPath,
		KernelVersion: kernelVersion,
		Network:       net,
		MessagesLog:   filepath.Join(scratchDir, p.cfg.MessagesLog),
		TrackRSSLog:   filepath.Join(scratchDir, p.cfg.TrackRSSLog),
	}
}
