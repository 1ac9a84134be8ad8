/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/cdromd/internal/controller"
	"github.com/alexandremahdhaoui/cdromd/internal/driver/dbus"
	"github.com/alexandremahdhaoui/cdromd/pkg/tapctl"
	"github.com/alexandremahdhaoui/cdromd/pkg/xenstore"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path. The file is optional.
	ConfigPathEnvKey = "CDROMD_CONFIG_PATH"

	envPrefix = "CDROMD_"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is used to configure the cdromd daemon.
//
// Some part of the configuration may be passed through environment variables.
type Config struct {
	// XenStore is the configuration of the connection to the configuration store.
	XenStore XenStoreConfig `json:"xenstore"`

	// TapCtl is the configuration of the tap control plane.
	TapCtl TapCtlConfig `json:"tapctl"`

	// Rebind bounds the close handshake of a frontend.
	Rebind RebindConfig `json:"rebind"`

	// DBus is the configuration of the D-Bus server.
	DBus DBusConfig `json:"dbus"`

	// ProbesServer is the configuration for the probes server.
	ProbesServer ProbesServerConfig `json:"probesServer"`

	// MetricsServer is the configuration for the metrics server.
	MetricsServer MetricsServerConfig `json:"metricsServer"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"logLevel"`

	// DevelopmentMode enables human-readable logging.
	DevelopmentMode bool `json:"developmentMode"`
}

type XenStoreConfig struct {
	// Path is the xenstored unix socket or the xenbus device.
	Path string `json:"path"`
	// BackendDomID is the domain hosting the block backends.
	BackendDomID int `json:"backendDomID"`
}

type TapCtlConfig struct {
	// Path is the tap-ctl binary.
	Path string `json:"path"`
	// PrependCmd is prepended to every tap-ctl invocation, e.g. ["chroot", "/host"].
	PrependCmd []string `json:"prependCmd,omitempty"`
	// Envs are added to the environment of every tap-ctl invocation.
	Envs map[string]string `json:"envs,omitempty"`
}

type RebindConfig struct {
	PollInterval metav1.Duration `json:"pollInterval"`
	CloseTimeout metav1.Duration `json:"closeTimeout"`
}

type DBusConfig struct {
	// Bus is "system" or "session".
	Bus       string `json:"bus"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Interface string `json:"interface"`
}

type ProbesServerConfig struct {
	// LivenessPath is the path for the liveness probe.
	LivenessPath string `json:"livenessPath"`
	// ReadinessPath is the path for the readiness probe.
	ReadinessPath string `json:"readinessPath"`
	// Port is the port for the probes server. Zero disables the server.
	Port int `json:"port"`
}

type MetricsServerConfig struct {
	// Path is the path for the metrics server.
	Path string `json:"path"`
	// Port is the port for the metrics server. Zero disables the server.
	Port int `json:"port"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		XenStore: XenStoreConfig{
			Path:         xenstore.DefaultSocketPath,
			BackendDomID: 0,
		},
		TapCtl: TapCtlConfig{
			Path: tapctl.DefaultPath,
		},
		Rebind: RebindConfig{
			PollInterval: metav1.Duration{Duration: controller.DefaultPollInterval},
			CloseTimeout: metav1.Duration{Duration: controller.DefaultCloseTimeout},
		},
		DBus: DBusConfig{
			Bus:       dbus.BusSystem,
			Name:      dbus.ServiceName,
			Path:      dbus.ObjectPath,
			Interface: dbus.ServiceName,
		},
		ProbesServer: ProbesServerConfig{
			LivenessPath:  "/healthz",
			ReadinessPath: "/readyz",
			Port:          8081,
		},
		MetricsServer: MetricsServerConfig{
			Path: "/metrics",
			Port: 8080,
		},
		LogLevel: "info",
	}
}

// loadConfig reads the file pointed at by CDROMD_CONFIG_PATH, if set, over the defaults, then applies the
// environment overrides.
func loadConfig() (*Config, error) {
	config := NewDefaultConfig()

	if configPath := os.Getenv(ConfigPathEnvKey); configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Parse YAML (uses json tags)
		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Join(err, ErrInvalidConfig)
	}

	return config, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var errs []error

	str := func(key string, dst *string) {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = val
		}
	}

	integer := func(key string, dst *int) {
		if val := os.Getenv(envPrefix + key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}

			*dst = i
		}
	}

	duration := func(key string, dst *metav1.Duration) {
		if val := os.Getenv(envPrefix + key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}

			dst.Duration = d
		}
	}

	str("XENSTORE_PATH", &c.XenStore.Path)
	integer("BACKEND_DOMID", &c.XenStore.BackendDomID)
	str("TAPCTL_PATH", &c.TapCtl.Path)
	duration("REBIND_POLL_INTERVAL", &c.Rebind.PollInterval)
	duration("REBIND_CLOSE_TIMEOUT", &c.Rebind.CloseTimeout)
	str("DBUS_BUS", &c.DBus.Bus)
	integer("METRICS_PORT", &c.MetricsServer.Port)
	integer("PROBES_PORT", &c.ProbesServer.Port)
	str("LOG_LEVEL", &c.LogLevel)

	if val := os.Getenv(envPrefix + "TAPCTL_PREPEND_CMD"); val != "" {
		c.TapCtl.PrependCmd = strings.Fields(val)
	}

	if val := os.Getenv(envPrefix + "DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}

	return errors.Join(errs...)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.XenStore.Path == "" {
		errs = append(errs, errors.New("xenstore.path cannot be empty"))
	}

	if c.XenStore.BackendDomID < 0 {
		errs = append(errs, errors.New("xenstore.backendDomID cannot be negative"))
	}

	if c.TapCtl.Path == "" {
		errs = append(errs, errors.New("tapctl.path cannot be empty"))
	}

	if c.Rebind.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("rebind.pollInterval must be positive"))
	}

	if c.Rebind.CloseTimeout.Duration < c.Rebind.PollInterval.Duration {
		errs = append(errs, errors.New("rebind.closeTimeout cannot be shorter than rebind.pollInterval"))
	}

	if c.DBus.Bus != dbus.BusSystem && c.DBus.Bus != dbus.BusSession {
		errs = append(errs, fmt.Errorf("dbus.bus must be %q or %q", dbus.BusSystem, dbus.BusSession))
	}

	if c.DBus.Name == "" || c.DBus.Interface == "" {
		errs = append(errs, errors.New("dbus.name and dbus.interface cannot be empty"))
	}

	if !strings.HasPrefix(c.DBus.Path, "/") {
		errs = append(errs, errors.New("dbus.path must be absolute"))
	}

	if c.MetricsServer.Port != 0 && c.MetricsServer.Port == c.ProbesServer.Port {
		errs = append(errs, errors.New("metricsServer.port and probesServer.port must differ"))
	}

	return errors.Join(errs...)
}

// ServerConfig returns the configuration of the D-Bus server.
func (c *Config) ServerConfig() *dbus.ServerConfig {
	return &dbus.ServerConfig{
		Bus:       c.DBus.Bus,
		Name:      c.DBus.Name,
		Path:      c.DBus.Path,
		Interface: c.DBus.Interface,
	}
}
