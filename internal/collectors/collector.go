// Package collectors turns the raw log streams captured from a VM boot into
// one flat counter map per run.
package collectors

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"kdump-calibrate/internal/tools"
)

// CounterMap maps a metric name to a non-negative integer value.
type CounterMap map[string]int64

// ParseError reports a collaborator output line that does not match the
// NAME=integer contract. A malformed line means a broken collaborator;
// skipping it would silently corrupt the downstream arithmetic.
type ParseError struct {
	Parser string
	Line   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed metric line %q (want NAME=integer)", e.Parser, e.Line)
}

// Collector extracts metrics from one captured log stream by piping it
// through an external line-oriented parser.
type Collector struct {
	// Parser is the path of the parser executable.
	Parser string
	// Log is the path of the captured stream.
	Log string
}

// Collect runs the parser with the log stream on stdin and parses every
// emitted line as NAME=integer.
func (c *Collector) Collect() (CounterMap, error) {
	tool := &tools.Tool{Path: c.Parser}

	out, err := tool.FilterFile(c.Log)
	if err != nil {
		return nil, err
	}

	return parseCounters(c.Parser, out)
}

func parseCounters(parser string, out []byte) (CounterMap, error) {
	counters := make(CounterMap)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		name, value, found := strings.Cut(line, "=")
		if !found {
			return nil, &ParseError{Parser: parser, Line: line}
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, &ParseError{Parser: parser, Line: line}
		}
		counters[name] = n
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", parser, err)
	}

	return counters, nil
}

// Reduce harvests both log streams of one run: the kernel console log through
// the kernel-log parser, the instrumentation log through the RSS parser.
// Kernel keys are merged first, user-space keys second.
func Reduce(toolDir, messagesLog, trackRSSLog string) (CounterMap, error) {
	kernelCollector := &Collector{
		Parser: filepath.Join(toolDir, "kernel.py"),
		Log:    messagesLog,
	}
	rssCollector := &Collector{
		Parser: filepath.Join(toolDir, "maxrss.py"),
		Log:    trackRSSLog,
	}

	merged, err := kernelCollector.Collect()
	if err != nil {
		return nil, err
	}

	userCounters, err := rssCollector.Collect()
	if err != nil {
		return nil, err
	}
	for name, value := range userCounters {
		merged[name] = value
	}

	return merged, nil
}

// Require verifies that every named metric is present in the map. A missing
// metric is a configuration error: the parsers did not deliver what the
// calibration arithmetic needs.
func (m CounterMap) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := m[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required metrics: %s", strings.Join(missing, ", "))
	}
	return nil
}
