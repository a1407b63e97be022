// Package config handles Connector configuration loading: the YAML
// surface spec.md §6 recognizes (health_check, apps[], each app's
// broker/flows/components), decoded with gopkg.in/yaml.v3 the same way
// the teacher's config.Load does for its own settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./config.yaml,
// ~/.config/connector/config.yaml, /config/config.yaml,
// /etc/connector/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "connector", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/connector/config.yaml")
	return paths
}

// searchPathsFunc is DefaultSearchPaths, indirected for tests that
// need to avoid finding a real config file on the developer/deploy
// machine running the suite.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches searchPathsFunc() and returns the first
// that exists. Returns the path found, or an error if nothing was
// found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds the whole recognized configuration surface (spec.md
// §6). Log/Trace are passed through to the logging collaborator
// unparsed; SharedConfig merge anchors are resolved by the YAML
// decoder itself before Config ever sees the document.
type Config struct {
	LogLevel    string            `yaml:"log"`
	Trace       string            `yaml:"trace"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Apps        []AppConfig       `yaml:"apps"`
}

// HealthCheckConfig configures the readiness/liveness/startup HTTP
// server (internal/monitor).
type HealthCheckConfig struct {
	Enabled                     bool   `yaml:"enabled"`
	Port                        int    `yaml:"port"`
	LivenessPath                string `yaml:"liveness_path"`
	ReadinessPath               string `yaml:"readiness_path"`
	ReadinessCheckPeriodSeconds int    `yaml:"readiness_check_period_seconds"`
	StartupPath                 string `yaml:"startup_path"`
	StartupCheckPeriodSeconds   int    `yaml:"startup_check_period_seconds"`
}

// AppConfig is one entry of the top-level apps list.
type AppConfig struct {
	Name         string         `yaml:"name"`
	NumInstances int            `yaml:"num_instances"`
	AppConfig    map[string]any `yaml:"app_config"`
	AppSchema    []SchemaField  `yaml:"app_schema"`

	// Broker is present for a Simplified App (spec.md §2): it both
	// carries the broker connection and declares the implicit
	// ingress/egress/R-R wiring.
	Broker *BrokerConfig `yaml:"broker"`

	// Flows is present for an Explicit App: every Stage of every Flow
	// is listed out in full.
	Flows []FlowConfig `yaml:"flows"`

	// Components is the Simplified App alternative to Flows: one
	// Stage per entry, implicitly wired behind a broker ingress (and a
	// Subscription Router when there is more than one).
	Components []ComponentConfig `yaml:"components"`
}

// SchemaField describes one entry of a config_schema/app_schema list
// (spec.md §4's component contract); validation against it is
// documentation-only, never enforced at runtime (spec.md §6).
type SchemaField struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
}

// BrokerConfig is the broker sub-block of a Simplified App: connection
// fields plus the ingress/egress/R-R enablement flags spec.md §6
// lists.
type BrokerConfig struct {
	URL                  string `yaml:"url"`
	VPN                  string `yaml:"vpn"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	ReconnectionStrategy string `yaml:"reconnection_strategy"` // forever_retry, parametrized_retry
	RetryIntervalMs      int    `yaml:"retry_interval_ms"`
	RetryCount           int    `yaml:"retry_count"`
	TrustStorePath       string `yaml:"trust_store_path"`

	InputEnabled        bool   `yaml:"input_enabled"`
	OutputEnabled       bool   `yaml:"output_enabled"`
	RequestReplyEnabled bool   `yaml:"request_reply_enabled"`
	QueueName           string `yaml:"queue_name"`
	CreateQueueOnStart  bool   `yaml:"create_queue_on_start"`
	PayloadEncoding     string `yaml:"payload_encoding"` // utf-8, base64, gzip, none
	PayloadFormat       string `yaml:"payload_format"`   // json, text, binary
	MaxRedeliveryCount  int    `yaml:"max_redelivery_count"`

	// Request/Response Controller sub-keys (spec.md §4.4).
	ResponseTopicPrefix             string `yaml:"response_topic_prefix"`
	ResponseQueuePrefix             string `yaml:"response_queue_prefix"`
	ResponseTopicInsertionExpr      string `yaml:"response_topic_insertion_expression"`
	RequestReplyDefaultTimeoutMs    int    `yaml:"request_reply_default_timeout_ms"`
	RequestReplyMaxSessions         int    `yaml:"request_reply_max_sessions"`
}

// FlowConfig is one Explicit-App flow: a name plus its ordered list of
// Stage configs.
type FlowConfig struct {
	Name       string            `yaml:"name"`
	Components []ComponentConfig `yaml:"components"`
}

// ComponentConfig is one Stage's construction-time description,
// whether declared under a Flow (Explicit App) or directly under an
// App (Simplified App).
type ComponentConfig struct {
	Name            string           `yaml:"name"`
	Kind            string           `yaml:"kind"`
	NumInstances    int              `yaml:"num_instances"`
	ComponentConfig map[string]any   `yaml:"component_config"`
	Subscriptions   []Subscription   `yaml:"subscriptions"`
	InputTransforms []TransformEntry `yaml:"input_transforms"`
	InputSelection  string           `yaml:"input_selection"`
	QueueCapacity   int              `yaml:"queue_capacity"`

	// DrainPolicy resolves spec.md §5's configurable shutdown-drain
	// knob (SPEC_FULL.md §4.2): nack or drop. Defaults to nack.
	DrainPolicy string `yaml:"drain_policy"`

	// EgressAckPolicy resolves spec.md §9's open question on a failing
	// publish at egress (SPEC_FULL.md §4.2): hold, nack_after_n, or
	// drop_after_n. Defaults to nack_after_n with EgressAckN 3.
	EgressAckPolicy string `yaml:"egress_ack_policy"`
	EgressAckN      int    `yaml:"egress_ack_n"`

	// RecoveryPolicy maps an error kind name (an errkinds.Kind value:
	// config, expression, transform, invoke, timeout, broker, ...) to a
	// reaction (drop, nack, route_to_error_flow).
	RecoveryPolicy map[string]string `yaml:"recovery_policy"`
}

// Subscription is one topic pattern a Simplified-App component is
// bound to.
type Subscription struct {
	Topic string `yaml:"topic"`
}

// TransformEntry is the YAML shape of one expr.Step (spec.md §4.1).
type TransformEntry struct {
	Kind        string `yaml:"type"` // copy, append, map, filter, reduce
	Source      string `yaml:"source"`
	Dest        string `yaml:"dest"`
	Body        string `yaml:"expression"`
	Accumulator string `yaml:"accumulator_init"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${SOLACE_VPN},
	// ${SOLACE_PASSWORD}). Convenience for container deployments; the
	// recommended approach is to put secrets in a mounted file instead.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.HealthCheck.Port == 0 {
		c.HealthCheck.Port = 8080
	}
	if c.HealthCheck.LivenessPath == "" {
		c.HealthCheck.LivenessPath = "/healthz"
	}
	if c.HealthCheck.ReadinessPath == "" {
		c.HealthCheck.ReadinessPath = "/readyz"
	}
	if c.HealthCheck.StartupPath == "" {
		c.HealthCheck.StartupPath = "/startupz"
	}
	if c.HealthCheck.ReadinessCheckPeriodSeconds == 0 {
		c.HealthCheck.ReadinessCheckPeriodSeconds = 30
	}
	if c.HealthCheck.StartupCheckPeriodSeconds == 0 {
		c.HealthCheck.StartupCheckPeriodSeconds = 30
	}

	for i := range c.Apps {
		a := &c.Apps[i]
		if a.NumInstances == 0 {
			a.NumInstances = 1
		}
		for j := range a.Components {
			if a.Components[j].NumInstances == 0 {
				a.Components[j].NumInstances = 1
			}
		}
		for fi := range a.Flows {
			for j := range a.Flows[fi].Components {
				if a.Flows[fi].Components[j].NumInstances == 0 {
					a.Flows[fi].Components[j].NumInstances = 1
				}
			}
		}

		br := a.Broker
		if br == nil {
			continue
		}
		if br.ReconnectionStrategy == "" {
			br.ReconnectionStrategy = "forever_retry"
		}
		if br.RetryIntervalMs == 0 {
			br.RetryIntervalMs = 3000
		}
		if br.PayloadEncoding == "" {
			br.PayloadEncoding = "utf-8"
		}
		if br.PayloadFormat == "" {
			br.PayloadFormat = "json"
		}
		if br.ResponseTopicPrefix == "" {
			br.ResponseTopicPrefix = "__reply"
		}
		if br.ResponseQueuePrefix == "" {
			br.ResponseQueuePrefix = "__reply_queue"
		}
		if br.RequestReplyDefaultTimeoutMs == 0 {
			br.RequestReplyDefaultTimeoutMs = 60000
		}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.HealthCheck.Enabled && (c.HealthCheck.Port < 1 || c.HealthCheck.Port > 65535) {
		return fmt.Errorf("health_check.port %d out of range (1-65535)", c.HealthCheck.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if len(c.Apps) == 0 {
		return fmt.Errorf("config declares no apps")
	}
	for _, a := range c.Apps {
		if a.Name == "" {
			return fmt.Errorf("an app is missing a name")
		}
		isSimplified := a.Broker != nil || len(a.Components) > 0
		isExplicit := len(a.Flows) > 0
		if isSimplified == isExplicit {
			return fmt.Errorf("app %q must declare either flows (explicit) or broker/components (simplified), not both or neither", a.Name)
		}
		if a.Broker != nil {
			switch a.Broker.ReconnectionStrategy {
			case "forever_retry", "parametrized_retry":
			default:
				return fmt.Errorf("app %q: broker.reconnection_strategy %q unrecognized", a.Name, a.Broker.ReconnectionStrategy)
			}
		}
	}
	return nil
}
