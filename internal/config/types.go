package config

// Physical address where the core header is loaded. The region is removed
// from the kernel memory map with a command line option, but early boot code
// runs before the command line is parsed and may overwrite the data. 768M is
// high enough to avoid reserved low regions and low enough to avoid
// allocations at the end of RAM in a small VM.
const DefaultCoreHeaderAddr = 768 * 1024 * 1024

type CalibrationConfig struct {
	Calibration CalibrationInfo `yaml:"calibration"`
}

type CalibrationInfo struct {
	TotalRAMKiB    int64  `yaml:"total_ram_kib"`
	NumCPUs        int64  `yaml:"num_cpus"`
	LogLevel       string `yaml:"log_level"`
	DracutDir      string `yaml:"dracut_dir"`
	ToolDir        string `yaml:"tool_dir"`
	ConfigFile     string `yaml:"config_file"`
	NetConfigFile  string `yaml:"net_config_file"`
	MessagesLog    string `yaml:"messages_log"`
	TrackRSSLog    string `yaml:"trackrss_log"`
	CoreHeaderAddr uint64 `yaml:"elfcorehdr_addr"`
}

// RunParameters is the immutable per-run configuration. It is constructed by
// the pipeline once per measurement run, after the target kernel has been
// resolved, and is read-only afterwards.
type RunParameters struct {
	TotalRAMKiB   int64
	NumCPUs       int64
	Kernel        string
	KernelVersion string
	Network       bool
	MessagesLog   string
	TrackRSSLog   string
}

// BootConfigFile returns the boot configuration file for the given scenario.
func (c *CalibrationInfo) BootConfigFile(net bool) string {
	if net {
		return c.NetConfigFile
	}
	return c.ConfigFile
}
