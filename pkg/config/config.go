package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir    string = ".kmon"
	configDirXdg string = "kmon"
	configFile   string = "config.yml"
)

// DefaultPrompt is the prompt printed when the configuration does not set one.
const DefaultPrompt = "K> "

// DefaultKernBase is the virtual address the kernel is linked at.
const DefaultKernBase uint64 = 0xf0000000

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// Prompt printed before each command.
	Prompt string `yaml:"prompt,omitempty"`

	// MaxBacktraceDepth is the maximum number of frames backtrace follows
	// before declaring the frame chain corrupted.
	MaxBacktraceDepth int `yaml:"max-backtrace-depth,omitempty"`

	// ColorMask is the initial console colour attribute.
	ColorMask *uint16 `yaml:"color-mask,omitempty"`

	// TrueColor renders the console colours with 24 bit escape sequences.
	TrueColor bool `yaml:"true-color"`

	// KernBase is subtracted from virtual addresses to print physical ones.
	KernBase *uint64 `yaml:"kernbase,omitempty"`

	// DebugInfoCacheSize is the number of resolved addresses cached.
	DebugInfoCacheSize int `yaml:"debug-info-cache-size,omitempty"`
}

// GetPrompt returns the configured prompt.
func (c *Config) GetPrompt() string {
	if c == nil || c.Prompt == "" {
		return DefaultPrompt
	}
	return c.Prompt
}

// GetKernBase returns the configured kernel base address.
func (c *Config) GetKernBase() uint64 {
	if c == nil || c.KernBase == nil {
		return DefaultKernBase
	}
	return *c.KernBase
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	if len(c.Aliases) == 0 {
		c.Aliases = make(map[string][]string)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the kernel monitor.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Prompt printed before every command.
# prompt: "K> "

# Maximum number of frames followed by backtrace.
# max-backtrace-depth: 256

# Initial console colour attribute, (background|foreground) << 8.
# color-mask: 0x0700

# Render console colours with 24 bit escape sequences.
# true-color: false

# Virtual address the kernel is linked at.
# kernbase: 0xf0000000

# Number of resolved addresses kept in the debug info cache.
# debug-info-cache-size: 1024
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDirXdg, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
