// Package cliutil holds the ambient CLI plumbing shared by the gdbstub
// server binary: version reporting, a leveled logger, and the operator
// config file (with live reload via fsnotify). Grounded on the reference
// codebase's internal/cli package, trimmed to what a single-purpose,
// flag-driven server needs rather than a multi-subcommand tool.
package cliutil

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	Version   = "0.1.0"
	BuildDate = "2026-07-31"
	CommitSHA = "unknown"
)

// VersionInfo contains version and build information.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information.
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version information in a consistent format.
func PrintVersion(toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to marshal version info to JSON: %v\n", err)
		} else {
			fmt.Println(string(data))
			return
		}
	}

	fmt.Printf("%s v%s\n", toolName, info.Version)
	fmt.Printf("Build Date: %s\n", info.BuildDate)

	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", info.CommitSHA)
	}

	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithError prints an error message and exits with code 1.
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// Logger provides structured, leveled logging for the server and its
// supporting packages. It satisfies gdbstub.DiagnosticLogger.
type Logger struct {
	Verbose   bool
	DebugMode bool
}

// NewLogger creates a new logger instance.
func NewLogger(verbose, debug bool) *Logger {
	return &Logger{Verbose: verbose, DebugMode: debug}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.Verbose {
		fmt.Printf("[INFO] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.DebugMode {
		fmt.Printf("[DEBUG] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	fmt.Printf("[WARN] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...interface{}) {
	fmt.Printf("[ERROR] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// MemoryRegionConfig is the JSON-persisted form of one gdbstub.MemoryRegion
// entry, used to seed an operator-supplied memory map without a real FLASH
// programmer attached.
type MemoryRegionConfig struct {
	Type           string `json:"type"` // "ram" or "flash"
	Start          uint64 `json:"start"`
	Length         uint64 `json:"length"`
	EraseBlockSize uint64 `json:"erase_block_size,omitempty"`
}

// Config is the operator-facing configuration file (§6.3): listen address,
// the static memory-region table and logging verbosity.
type Config struct {
	Verbose    bool   `json:"verbose"`
	Debug      bool   `json:"debug"`
	ListenAddr string `json:"listen_addr"`

	MinProtocolVersion string `json:"min_protocol_version,omitempty"`

	MemoryRegions []MemoryRegionConfig `json:"memory_regions,omitempty"`

	configFile string
}

// LoadConfig loads configuration from file, tolerating a missing file by
// returning defaults (mirrors the reference LoadConfig).
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{ListenAddr: ":2000"}

	if configPath == "" {
		return config, nil
	}

	config.configFile = configPath

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.configFile = configPath

	return config, nil
}

// SaveConfig saves configuration to file.
func (c *Config) SaveConfig(configPath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// WatchConfig watches the file Config was loaded from and invokes onChange
// with the freshly reloaded Config on every write or create event, letting
// the operator push a new memory-region table without restarting the
// server (§11.2); what onChange applies is up to the caller. It returns a stop function; the watcher goroutine exits
// once either stop is called or done is closed. A Config with no backing
// file (loaded with an empty path) returns a no-op stop function.
func (c *Config) WatchConfig(logger *Logger, onChange func(*Config), done <-chan struct{}) (func(), error) {
	if c.configFile == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start config watcher: %w", err)
	}

	if err := watcher.Add(c.configFile); err != nil {
		watcher.Close()

		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				reloaded, err := LoadConfig(c.configFile)
				if err != nil {
					if logger != nil {
						logger.Warn("config reload failed: %v", err)
					}

					continue
				}

				onChange(reloaded)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				if logger != nil {
					logger.Warn("config watcher error: %v", err)
				}
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}

// HandleError handles errors in a consistent way.
func HandleError(err error, logger *Logger) {
	if err == nil {
		return
	}

	if logger != nil {
		logger.Error("%v", err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	os.Exit(1)
}
