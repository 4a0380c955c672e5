/*
Copyright 2025 David Arnold
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

// Package config maps viper settings onto the control loop configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"gitlab.com/davidxarnold/nodescaler/pkg/cloud"
	"gitlab.com/davidxarnold/nodescaler/pkg/core"
	"gitlab.com/davidxarnold/nodescaler/pkg/secrets"
)

// EnvPrefix prefixes every environment override, e.g. NODESCALER_SCALING_MIN_NODES.
const EnvPrefix = "NODESCALER"

// Config is the full control loop configuration.
type Config struct {
	Scaling      Scaling      `mapstructure:"scaling"`
	Health       Health       `mapstructure:"health"`
	Secrets      Secrets      `mapstructure:"secrets"`
	Cloud        Cloud        `mapstructure:"cloud"`
	LoadBalancer LoadBalancer `mapstructure:"loadbalancer"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Log          Log          `mapstructure:"log"`
}

type Scaling struct {
	MinNodes           int           `mapstructure:"min-nodes"`
	CPUThreshold       float64       `mapstructure:"cpu-threshold"`
	TickInterval       time.Duration `mapstructure:"tick-interval"`
	WarmupPollInterval time.Duration `mapstructure:"warmup-poll-interval"`
	WarmupTimeout      time.Duration `mapstructure:"warmup-timeout"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
}

type Health struct {
	Port          int           `mapstructure:"port"`
	Path          string        `mapstructure:"path"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Issuer        string        `mapstructure:"issuer"`
	TokenTTL      time.Duration `mapstructure:"token-ttl"`
	MaxConcurrent int           `mapstructure:"max-concurrent"`
}

type Secrets struct {
	Provider   string      `mapstructure:"provider"`
	CloudKey   string      `mapstructure:"cloud-key"`
	SigningKey string      `mapstructure:"signing-key"`
	Vault      VaultSecret `mapstructure:"vault"`
	File       FileSecret  `mapstructure:"file"`
}

type VaultSecret struct {
	Address   string `mapstructure:"address"`
	TokenFile string `mapstructure:"token-file"`
	Path      string `mapstructure:"path"`
}

type FileSecret struct {
	Path string `mapstructure:"path"`
}

type Cloud struct {
	Provider string `mapstructure:"provider"`
	Region   string `mapstructure:"region"`
	Tag      string `mapstructure:"tag"`
	Node     Node   `mapstructure:"node"`
	GCE      GCE    `mapstructure:"gce"`

	CallTimeout time.Duration `mapstructure:"call-timeout"`
}

type Node struct {
	NamePrefix      string   `mapstructure:"name-prefix"`
	Size            string   `mapstructure:"size"`
	Image           string   `mapstructure:"image"`
	SSHKeys         []string `mapstructure:"ssh-keys"`
	BootstrapScript string   `mapstructure:"bootstrap-script"`
}

type GCE struct {
	Project string `mapstructure:"project"`
	Zone    string `mapstructure:"zone"`
}

type LoadBalancer struct {
	ID             string              `mapstructure:"id"`
	Name           string              `mapstructure:"name"`
	Algorithm      string              `mapstructure:"algorithm"`
	ForwardingRule core.ForwardingRule `mapstructure:"forwarding-rule"`
	HealthCheck    core.HealthCheck    `mapstructure:"health-check"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Output string `mapstructure:"output"`
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
}

// SetDefaults registers every default on v. Registering each key also
// makes it visible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scaling.min-nodes", 1)
	v.SetDefault("scaling.cpu-threshold", 80.0)
	v.SetDefault("scaling.tick-interval", 10*time.Second)
	v.SetDefault("scaling.warmup-poll-interval", 5*time.Second)
	v.SetDefault("scaling.warmup-timeout", 5*time.Minute)
	v.SetDefault("scaling.cooldown", 5*time.Minute)

	v.SetDefault("health.port", 1111)
	v.SetDefault("health.path", "/health")
	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("health.issuer", "nodescaler")
	v.SetDefault("health.token-ttl", time.Minute)
	v.SetDefault("health.max-concurrent", 0)

	v.SetDefault("secrets.provider", secrets.SourceVault)
	v.SetDefault("secrets.cloud-key", "digitalocean_key")
	v.SetDefault("secrets.signing-key", "service_key")
	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token-file", "")
	v.SetDefault("secrets.vault.path", "secret/env")
	v.SetDefault("secrets.file.path", "")

	v.SetDefault("cloud.provider", cloud.ProviderDigitalOcean)
	v.SetDefault("cloud.region", "sfo2")
	v.SetDefault("cloud.tag", "nodejs")
	v.SetDefault("cloud.call-timeout", 2*time.Minute)
	v.SetDefault("cloud.node.name-prefix", "node")
	v.SetDefault("cloud.node.size", "s-1vcpu-1gb")
	v.SetDefault("cloud.node.image", "46011811")
	v.SetDefault("cloud.node.ssh-keys", []string{})
	v.SetDefault("cloud.node.bootstrap-script", "")
	v.SetDefault("cloud.gce.project", "")
	v.SetDefault("cloud.gce.zone", "")

	v.SetDefault("loadbalancer.id", "")
	v.SetDefault("loadbalancer.name", "cue-nodes")
	v.SetDefault("loadbalancer.algorithm", "round_robin")
	v.SetDefault("loadbalancer.forwarding-rule.entry-protocol", "https")
	v.SetDefault("loadbalancer.forwarding-rule.entry-port", 443)
	v.SetDefault("loadbalancer.forwarding-rule.target-protocol", "http")
	v.SetDefault("loadbalancer.forwarding-rule.target-port", 1111)
	v.SetDefault("loadbalancer.forwarding-rule.certificate-id", "")
	v.SetDefault("loadbalancer.health-check.protocol", "tcp")
	v.SetDefault("loadbalancer.health-check.port", 1111)
	v.SetDefault("loadbalancer.health-check.interval", 10*time.Second)
	v.SetDefault("loadbalancer.health-check.timeout", 5*time.Second)
	v.SetDefault("loadbalancer.health-check.healthy-threshold", 5)
	v.SetDefault("loadbalancer.health-check.unhealthy-threshold", 3)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.output", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// BindEnv enables NODESCALER_* overrides for every key on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	s := c.Scaling

	if s.MinNodes < 1 {
		errs = append(errs, fmt.Errorf("scaling.min-nodes must be at least 1, got %d", s.MinNodes))
	}
	if s.CPUThreshold <= 0 || s.CPUThreshold > 100 {
		errs = append(errs, fmt.Errorf("scaling.cpu-threshold must be in (0, 100], got %v", s.CPUThreshold))
	}
	for key, d := range map[string]time.Duration{
		"scaling.tick-interval":        s.TickInterval,
		"scaling.warmup-poll-interval": s.WarmupPollInterval,
		"scaling.warmup-timeout":       s.WarmupTimeout,
		"scaling.cooldown":             s.Cooldown,
		"health.timeout":               c.Health.Timeout,
		"health.token-ttl":             c.Health.TokenTTL,
		"cloud.call-timeout":           c.Cloud.CallTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if s.WarmupPollInterval > 0 && s.WarmupPollInterval >= s.WarmupTimeout {
		errs = append(errs, errors.New("scaling.warmup-poll-interval must be shorter than scaling.warmup-timeout"))
	}
	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		errs = append(errs, fmt.Errorf("health.port out of range: %d", c.Health.Port))
	}
	if c.LoadBalancer.ID == "" {
		errs = append(errs, errors.New("loadbalancer.id is required"))
	}
	if !cloud.IsRegistered(c.Cloud.Provider) {
		errs = append(errs, fmt.Errorf("cloud.provider %q is not supported", c.Cloud.Provider))
	}
	if c.Cloud.Tag == "" {
		errs = append(errs, errors.New("cloud.tag is required"))
	}
	switch strings.ToLower(c.Secrets.Provider) {
	case secrets.SourceVault:
		if c.Secrets.Vault.Path == "" {
			errs = append(errs, errors.New("secrets.vault.path is required"))
		}
	case secrets.SourceFile:
		if c.Secrets.File.Path == "" {
			errs = append(errs, errors.New("secrets.file.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("secrets.provider %q is not supported", c.Secrets.Provider))
	}

	return utilerrors.NewAggregate(errs)
}

// NodeSpec is the template every created node starts from.
func (c *Config) NodeSpec() cloud.NodeSpec {
	return cloud.NodeSpec{
		Name:            c.Cloud.Node.NamePrefix,
		Region:          c.Cloud.Region,
		Size:            c.Cloud.Node.Size,
		Image:           c.Cloud.Node.Image,
		SSHKeys:         c.Cloud.Node.SSHKeys,
		BootstrapScript: c.Cloud.Node.BootstrapScript,
		Tag:             c.Cloud.Tag,
	}
}

// LoadBalancerTemplate is the static part of every load balancer push.
func (c *Config) LoadBalancerTemplate() core.LoadBalancerConfig {
	return core.LoadBalancerConfig{
		ID:             c.LoadBalancer.ID,
		Name:           c.LoadBalancer.Name,
		Region:         c.Cloud.Region,
		Algorithm:      c.LoadBalancer.Algorithm,
		ForwardingRule: c.LoadBalancer.ForwardingRule,
		HealthCheck:    c.LoadBalancer.HealthCheck,
	}
}

// SecretsOptions selects the secret source.
func (c *Config) SecretsOptions() secrets.Options {
	return secrets.Options{
		Kind:           c.Secrets.Provider,
		VaultAddress:   c.Secrets.Vault.Address,
		VaultTokenFile: c.Secrets.Vault.TokenFile,
		VaultPath:      c.Secrets.Vault.Path,
		FilePath:       c.Secrets.File.Path,
	}
}

// CloudOptions builds provider options around credential.
func (c *Config) CloudOptions(credential string) cloud.Options {
	return cloud.Options{
		Credential: credential,
		Region:     c.Cloud.Region,
		GCEProject: c.Cloud.GCE.Project,
		GCEZone:    c.Cloud.GCE.Zone,
	}
}
