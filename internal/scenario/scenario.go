// Package scenario assembles the minimal boot artifacts for one measurement
// run: a freshly built boot image per scenario and one shared core-header
// descriptor.
package scenario

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"kdump-calibrate/internal/logging"
	"kdump-calibrate/internal/tools"

	"github.com/sirupsen/logrus"
)

// BootImage is the compressed boot archive for one run. It is rebuilt from
// scratch for every run; the network and non-network scenarios need different
// boot configurations.
type BootImage struct {
	Path string
}

// CoreHeaderDescriptor describes the synthetic ELF core header loaded into
// the VM at a fixed physical address. It is created once per pipeline
// invocation and reused for both runs.
type CoreHeaderDescriptor struct {
	Address uint64
	Path    string
	SizeKiB int64
}

// Builder stages boot artifacts in a scratch directory.
type Builder struct {
	// ToolDir holds the external collaborators: kdumptool, trackrss,
	// mkelfcorehdr, the log parsers and the boot configuration files.
	ToolDir string
	// DracutDir is the system dracut base directory.
	DracutDir string
	// ScratchDir is the per-pipeline working directory; all artifacts are
	// written below it.
	ScratchDir string

	logger *logrus.Logger
}

func NewBuilder(toolDir, dracutDir, scratchDir string) *Builder {
	return &Builder{
		ToolDir:    toolDir,
		DracutDir:  dracutDir,
		ScratchDir: scratchDir,
		logger:     logging.GetLogger(),
	}
}

// InstallInitHelper stages the kdump dracut module into the scratch tree via
// the project's cmake install rules.
func (b *Builder) InstallInitHelper() error {
	tool := &tools.Tool{
		Path: "cmake",
		Args: []string{"--install", filepath.Join(b.ToolDir, "..", "dracut")},
		Env:  []string{"DESTDIR=" + b.ScratchDir},
		Dir:  b.ScratchDir,
	}
	if err := tool.Run(); err != nil {
		return fmt.Errorf("install init helper: %w", err)
	}
	return nil
}

// StageDracut builds a local dracut mirror in the scratch directory: the real
// dracut binary and every entry of the system dracut dir are symlinked, except
// modules.d, which is recreated with the stock kdump module replaced by the
// staged one.
func (b *Builder) StageDracut() error {
	dracutBin, err := exec.LookPath("dracut")
	if err != nil {
		return fmt.Errorf("stage dracut: %w", err)
	}
	if err := os.Symlink(dracutBin, filepath.Join(b.ScratchDir, "dracut")); err != nil {
		return fmt.Errorf("stage dracut: %w", err)
	}

	entries, err := os.ReadDir(b.DracutDir)
	if err != nil {
		return fmt.Errorf("stage dracut: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name != "modules.d" {
			if err := os.Symlink(filepath.Join(b.DracutDir, name), filepath.Join(b.ScratchDir, name)); err != nil {
				return fmt.Errorf("stage dracut: %w", err)
			}
			continue
		}

		if err := b.stageModules(filepath.Join(b.DracutDir, name), filepath.Join(b.ScratchDir, name)); err != nil {
			return fmt.Errorf("stage dracut modules: %w", err)
		}
	}

	return nil
}

func (b *Builder) stageModules(srcDir, dstDir string) error {
	if err := os.Mkdir(dstDir, 0o755); err != nil {
		return err
	}

	modules, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, module := range modules {
		name := module.Name()
		// Module directories carry a two-character priority prefix; skip the
		// stock kdump module, the staged one replaces it.
		if len(name) > 2 && name[2:] == "kdump" {
			continue
		}
		if err := os.Symlink(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
			return err
		}
	}

	// The staged module from the scratch DESTDIR tree replaces the stock one.
	staged := filepath.Join(b.ScratchDir, strings.TrimPrefix(b.DracutDir, "/"), "modules.d", "99kdump")
	return os.Symlink(staged, filepath.Join(dstDir, "99kdump"))
}

// BuildBootImage creates the compressed boot image for one scenario. The
// instrumentation control program replaces /init so that the only user-space
// work during the boot is RSS high-water-mark sampling.
func (b *Builder) BuildBootImage(configFile, kernelVersion string, net bool) (*BootImage, error) {
	path := filepath.Join(b.ScratchDir, "calibrate-initrd")

	b.logger.WithFields(logrus.Fields{
		"config":  configFile,
		"network": net,
	}).Info("Building boot image")

	dracut := &tools.Tool{
		Path: filepath.Join(b.ScratchDir, "dracut"),
		Args: dracutArgs(path, kernelVersion, net),
		Env: []string{
			"KDUMP_LIBDIR=" + filepath.Join(b.ScratchDir, "usr", "lib", "kdump"),
			"KDUMP_CONFIGFILE=" + filepath.Join(b.ToolDir, configFile),
			"DRACUT_PATH=" + strings.Join([]string{b.ToolDir, "/sbin", "/bin", "/usr/sbin", "/usr/bin"}, " "),
		},
		Dir: b.ScratchDir,
	}
	if err := dracut.Run(); err != nil {
		return nil, fmt.Errorf("build boot image: %w", err)
	}

	if err := b.replaceInit(path); err != nil {
		return nil, fmt.Errorf("build boot image: %w", err)
	}

	xz := &tools.Tool{
		Path: "xz",
		Args: []string{"-f", "-0", "--check=crc32", path},
		Dir:  b.ScratchDir,
	}
	if err := xz.Run(); err != nil {
		return nil, fmt.Errorf("compress boot image: %w", err)
	}

	image := &BootImage{Path: path + ".xz"}
	if err := requireNonEmpty(image.Path); err != nil {
		return nil, fmt.Errorf("build boot image: %w", err)
	}
	return image, nil
}

// dracutArgs returns the dracut invocation for one scenario: a hostonly,
// uncompressed CPIO archive with the kdump module, plus the virtual network
// driver when networking is enabled.
func dracutArgs(path, kernelVersion string, net bool) []string {
	args := []string{
		"--local",
		"--hostonly",

		// Standard kdump initrd options:
		"--omit", "plymouth resume usrmount",
		"--add", "kdump",

		// Create a simple uncompressed CPIO archive:
		"--no-compress",
		"--no-early-microcode",
	}
	if net {
		args = append(args, "--add-drivers", "e1000e")
	}
	return append(args, path, kernelVersion)
}

// replaceInit substitutes the archive's /init with the trackrss control
// program by appending to the uncompressed CPIO archive.
func (b *Builder) replaceInit(archive string) error {
	if err := copyFile(filepath.Join(b.ToolDir, "trackrss"), filepath.Join(b.ScratchDir, "init"), 0o755); err != nil {
		return err
	}

	cpio := &tools.Tool{
		Path: "cpio",
		Args: []string{"-o", "-H", "newc", "--owner=0:0", "--append", "--file=" + archive},
		Dir:  b.ScratchDir,
	}
	return cpio.RunWithInput([]byte("init\n"))
}

// BuildCoreHeader synthesizes the ELF core header file at the given physical
// load address. The size is read back from filesystem metadata, rounded up to
// whole KiB.
func (b *Builder) BuildCoreHeader(addr uint64) (*CoreHeaderDescriptor, error) {
	path := filepath.Join(b.ScratchDir, "elfcorehdr.bin")

	tool := &tools.Tool{
		Path: filepath.Join(b.ToolDir, "mkelfcorehdr"),
		Args: []string{path, strconv.FormatUint(addr, 10)},
		Dir:  b.ScratchDir,
	}
	if err := tool.Run(); err != nil {
		return nil, fmt.Errorf("build core header: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("build core header: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("build core header: %s is empty", path)
	}

	return &CoreHeaderDescriptor{
		Address: addr,
		Path:    path,
		SizeKiB: (info.Size() + 1023) / 1024,
	}, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func requireNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}
