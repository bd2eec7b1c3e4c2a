package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/seh"
)

const (
	configDir  string = ".machexc"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Mask lists the exception kinds routed to the exception port. Any
	// unambiguous prefix of a kind name is accepted.
	Mask []string `yaml:"mask,omitempty"`
	// Scope is "thread" or "task".
	Scope string `yaml:"scope,omitempty"`
	// Behavior is "default" or "state-identity".
	Behavior string `yaml:"behavior,omitempty"`
	// Repair is the policy applied to every exception: "skip", "forward"
	// or "decline".
	Repair string `yaml:"repair,omitempty"`
	// SkipWidth is the number of bytes the skip policy advances the
	// program counter by. Unset means the instruction width of the
	// running architecture.
	SkipWidth *uint64 `yaml:"skip-width,omitempty"`
	// OnStateError is "best-effort" or "fail-fast".
	OnStateError string `yaml:"on-state-error,omitempty"`
	// RepeatLimit is the number of consecutive faults at one instruction
	// that are repaired before the fault is declined. Zero disables the
	// check.
	RepeatLimit *int `yaml:"repeat-limit,omitempty"`
}

// SEHConfig converts c into the configuration of seh.Initialize. Unset
// options keep the values of seh.DefaultConfig.
func (c *Config) SEHConfig() (seh.Config, error) {
	cfg := seh.DefaultConfig()
	var err error
	if len(c.Mask) > 0 {
		cfg.Mask, err = mach.ParseMask(strings.Join(c.Mask, ","))
		if err != nil {
			return cfg, fmt.Errorf("mask: %v", err)
		}
		if cfg.Mask == 0 {
			return cfg, fmt.Errorf("mask: no exception kinds")
		}
	}
	if cfg.Scope, err = seh.ParseScope(c.Scope); err != nil {
		return cfg, err
	}
	if cfg.Behavior, err = seh.ParseBehavior(c.Behavior); err != nil {
		return cfg, err
	}
	if cfg.OnStateError, err = seh.ParseStateErrorPolicy(c.OnStateError); err != nil {
		return cfg, err
	}
	var width uint64
	if c.SkipWidth != nil {
		if *c.SkipWidth == 0 {
			return cfg, fmt.Errorf("skip-width must be positive")
		}
		width = *c.SkipWidth
	}
	if cfg.Repair, err = seh.ParseRepairPolicy(c.Repair, width); err != nil {
		return cfg, err
	}
	if c.RepeatLimit != nil {
		if *c.RepeatLimit < 0 {
			return cfg, fmt.Errorf("repeat-limit must not be negative")
		}
		cfg.RepeatLimit = *c.RepeatLimit
	}
	return cfg, nil
}

// Parse decodes the YAML configuration in data.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	c, err := Parse(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
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
	if _, err := f.WriteString(defaultConfig); err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

const defaultConfig = `# Configuration file for machexc.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Exception kinds routed to the exception port. Kinds are bad-access,
# bad-instruction, arithmetic, software, breakpoint, syscall and
# mach-syscall; hardware and all name groups of them.
# mask: [hardware]

# Install the port on the calling thread or on the whole task.
# scope: thread

# Exception behavior requested from the kernel, default or state-identity.
# behavior: default

# What to do with a fault: skip the faulting instruction, forward it to the
# handler that was installed before, or decline it.
# repair: skip

# Bytes skipped by the skip policy (2 on amd64, 4 on arm64 if unset).
# skip-width: 2

# What to do when the faulting thread's registers can not be read or
# written, best-effort or fail-fast.
# on-state-error: best-effort

# Consecutive faults at the same instruction that are repaired before the
# fault is declined. 0 disables the check.
# repeat-limit: 8
`

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
	if dir := os.Getenv("MACHEXC_CONFIG_DIR"); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
