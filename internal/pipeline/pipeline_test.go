package pipeline

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kdump-calibrate/internal/collectors"
	"kdump-calibrate/internal/config"
	"kdump-calibrate/internal/kernel"
	"kdump-calibrate/internal/scenario"
)

type fakeBuilder struct {
	coreHeaders int
	images      []string
	netFlags    []bool
}

func (b *fakeBuilder) InstallInitHelper() error { return nil }
func (b *fakeBuilder) StageDracut() error       { return nil }

func (b *fakeBuilder) BuildBootImage(configFile, kernelVersion string, net bool) (*scenario.BootImage, error) {
	b.images = append(b.images, configFile)
	b.netFlags = append(b.netFlags, net)
	return &scenario.BootImage{Path: "/scratch/calibrate-initrd.xz"}, nil
}

func (b *fakeBuilder) BuildCoreHeader(addr uint64) (*scenario.CoreHeaderDescriptor, error) {
	b.coreHeaders++
	return &scenario.CoreHeaderDescriptor{Address: addr, Path: "/scratch/elfcorehdr.bin", SizeKiB: 2}, nil
}

type fakeRunner struct {
	runs []bool
	err  error
}

func (r *fakeRunner) Run(params *config.RunParameters, image *scenario.BootImage, hdr *scenario.CoreHeaderDescriptor) error {
	r.runs = append(r.runs, params.Network)
	return r.err
}

func counterFixture(net bool) collectors.CounterMap {
	m := collectors.CounterMap{
		"PAGESIZE":     4096,
		"SIZEOFPAGE":   64,
		"INIT_MEMFREE": 900000,
		"INIT_CACHED":  5000,
		"PERCPU":       8000,
		"KERNEL_INIT":  2000,
		"USER_BASE":    3000,
	}
	if net {
		m["KERNEL_INIT"] = 2600
		m["INIT_CACHED"] = 5200
		m["USER_BASE"] = 3400
	}
	return m
}

// stageKernelTools puts fake kernel-resolution collaborators in place: a
// kdumptool in the tool dir and a get_kernel_version on PATH.
func stageKernelTools(t *testing.T) string {
	t.Helper()
	toolDir := t.TempDir()

	kdumptool := "#!/bin/sh\necho 'Kernel: /boot/vmlinuz-6.4.0-default'\n"
	if err := os.WriteFile(filepath.Join(toolDir, "kdumptool"), []byte(kdumptool), 0o755); err != nil {
		t.Fatalf("write kdumptool: %v", err)
	}

	pathDir := t.TempDir()
	version := "#!/bin/sh\necho '6.4.0-default'\n"
	if err := os.WriteFile(filepath.Join(pathDir, "get_kernel_version"), []byte(version), 0o755); err != nil {
		t.Fatalf("write get_kernel_version: %v", err)
	}
	t.Setenv("PATH", pathDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	return toolDir
}

func testPipeline(t *testing.T, builder *fakeBuilder, runner *fakeRunner) *Pipeline {
	t.Helper()
	cfg := &config.CalibrationConfig{
		Calibration: config.CalibrationInfo{
			TotalRAMKiB:    1024 * 1024,
			NumCPUs:        2,
			ToolDir:        stageKernelTools(t),
			DracutDir:      "/usr/lib/dracut",
			ConfigFile:     "dummy.conf",
			NetConfigFile:  "dummy-net.conf",
			MessagesLog:    "messages.log",
			TrackRSSLog:    "trackrss.log",
			CoreHeaderAddr: 768 * 1024 * 1024,
		},
	}

	p := New(cfg)
	p.newBuilder = func(string) ScenarioBuilder { return builder }
	p.newRunner = func() (Runner, error) { return runner, nil }

	calls := 0
	p.reduce = func(toolDir, messagesLog, trackRSSLog string) (collectors.CounterMap, error) {
		calls++
		return counterFixture(calls > 1), nil
	}
	return p
}

func TestRun_EmitsReport(t *testing.T) {
	builder := &fakeBuilder{}
	runner := &fakeRunner{}
	p := testPipeline(t, builder, runner)

	var out bytes.Buffer
	if err := p.Run(&out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := strings.Join([]string{
		"KERNEL_BASE=119192",
		"KERNEL_INIT=2000",
		"INIT_CACHED=5000",
		"PAGESIZE=4096",
		"SIZEOFPAGE=64",
		"PERCPU=4000",
		"USER_BASE=3000",
		"INIT_NET=600",
		"INIT_CACHED_NET=200",
		"USER_NET=400",
	}, "\n") + "\n"
	if out.String() != want {
		t.Errorf("report mismatch:\ngot:\n%swant:\n%s", out.String(), want)
	}
}

func TestRun_ScenarioSequence(t *testing.T) {
	builder := &fakeBuilder{}
	runner := &fakeRunner{}
	p := testPipeline(t, builder, runner)

	if err := p.Run(&bytes.Buffer{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if builder.coreHeaders != 1 {
		t.Errorf("core header must be built exactly once, got %d", builder.coreHeaders)
	}
	if len(builder.netFlags) != 2 || builder.netFlags[0] || !builder.netFlags[1] {
		t.Errorf("expected network-disabled run first, got %v", builder.netFlags)
	}
	if builder.images[0] != "dummy.conf" || builder.images[1] != "dummy-net.conf" {
		t.Errorf("unexpected boot configurations %v", builder.images)
	}
	if len(runner.runs) != 2 || runner.runs[0] || !runner.runs[1] {
		t.Errorf("expected two sequential VM boots, no-net first, got %v", runner.runs)
	}
}

func TestRun_BootFailureAbortsBeforeSecondRun(t *testing.T) {
	builder := &fakeBuilder{}
	runner := &fakeRunner{err: errors.New("qemu exited abnormally")}
	p := testPipeline(t, builder, runner)

	err := p.Run(&bytes.Buffer{})
	if err == nil {
		t.Fatal("expected boot failure to propagate")
	}
	if len(runner.runs) != 1 {
		t.Errorf("expected no second boot after a fatal failure, got %d runs", len(runner.runs))
	}
}

func TestRun_ReduceFailureAborts(t *testing.T) {
	builder := &fakeBuilder{}
	runner := &fakeRunner{}
	p := testPipeline(t, builder, runner)
	p.reduce = func(string, string, string) (collectors.CounterMap, error) {
		return nil, &collectors.ParseError{Parser: "kernel.py", Line: "PAGESIZE:4096"}
	}

	var out bytes.Buffer
	err := p.Run(&out)

	var parseErr *collectors.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected parse error to propagate, got %v", err)
	}
	if out.Len() != 0 {
		t.Error("no partial report may be emitted on failure")
	}
}

func TestRun_KernelResolutionFailure(t *testing.T) {
	builder := &fakeBuilder{}
	runner := &fakeRunner{}
	p := testPipeline(t, builder, runner)

	// Replace kdumptool with one that reports no kernel.
	kdumptool := filepath.Join(p.cfg.ToolDir, "kdumptool")
	if err := os.WriteFile(kdumptool, []byte("#!/bin/sh\necho 'Directory: /boot'\n"), 0o755); err != nil {
		t.Fatalf("write kdumptool: %v", err)
	}

	err := p.Run(&bytes.Buffer{})
	if !errors.Is(err, kernel.ErrKernelNotFound) {
		t.Fatalf("expected ErrKernelNotFound, got %v", err)
	}
	if len(builder.images) != 0 {
		t.Error("no scenario may be built when the kernel cannot be resolved")
	}
}
