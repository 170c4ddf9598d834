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
	configDir     string = ".unwind"
	configDirXdg  string = "unwind"
	configFile    string = "config.yml"
	defaultDepth  int    = 64
	maxDepthLimit int    = 4096
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MaxDepth is the maximum number of frames printed by trace and exec.
	MaxDepth int `yaml:"max-depth,omitempty"`

	// FramePointerFallback makes the unwinder follow the frame pointer
	// chain through functions without unwind information.
	FramePointerFallback bool `yaml:"frame-pointer-fallback"`

	// PreferDebugFrame makes the loader use .debug_frame when a binary has
	// both .debug_frame and .eh_frame.
	PreferDebugFrame bool `yaml:"prefer-debug-frame"`

	// Log enables logging, LogOutput is the comma separated list of
	// layers that should log (loader, native, cli) and LogDest the file
	// logs are appended to.
	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output,omitempty"`
	LogDest   string `yaml:"log-dest,omitempty"`

	// Color enables colored output when standard output is a terminal.
	Color *bool `yaml:"color,omitempty"`
}

// Depth returns the maximum number of frames to print.
func (c *Config) Depth() int {
	switch {
	case c.MaxDepth <= 0:
		return defaultDepth
	case c.MaxDepth > maxDepthLimit:
		return maxDepthLimit
	}
	return c.MaxDepth
}

// UseColor returns true unless colors have been disabled.
func (c *Config) UseColor() bool {
	return c.Color == nil || *c.Color
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

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
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

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the unwind tools.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Maximum number of frames printed by trace and exec.
# max-depth: 64

# Follow the frame pointer chain through code without unwind information.
# frame-pointer-fallback: true

# Use .debug_frame instead of .eh_frame when a binary has both.
# prefer-debug-frame: true

# Disable colored output.
# color: false

# Log to a file, layers are loader, native and cli.
# log: true
# log-output: loader,native
# log-dest: /tmp/unwind.log
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
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDirXdg, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
