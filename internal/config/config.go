package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v7"

	"github.com/twinfer/omfgate/pkg/types"
)

//go:embed default-config.json
var defaultConfigJSON []byte

// Config is the full configuration surface of the forwarding agent.
// Values come from the embedded defaults, optionally overridden by a
// JSON configuration file, and finally by OMFGATE_* environment
// variables.
type Config struct {
	Endpoint          string            `json:"endpoint" env:"OMFGATE_ENDPOINT"`
	Server            ServerConfig      `json:"server"`
	Compression       bool              `json:"compression" env:"OMFGATE_COMPRESSION"`
	FullStructure     bool              `json:"full_structure" env:"OMFGATE_FULL_STRUCTURE"`
	NamingScheme      string            `json:"naming_scheme" env:"OMFGATE_NAMING_SCHEME"`
	Delimiter         string            `json:"delimiter" env:"OMFGATE_DELIMITER"`
	TypeIDSeed        int64             `json:"type_id_seed" env:"OMFGATE_TYPE_ID_SEED"`
	Formats           FormatsConfig     `json:"formats"`
	StaticData        map[string]string `json:"static_data"`
	AF                AFConfig          `json:"af"`
	NonBlockingErrors []string          `json:"non_blocking_errors" env:"OMFGATE_NON_BLOCKING_ERRORS" envSeparator:";"`
	CachePath         string            `json:"cache_path" env:"OMFGATE_CACHE_PATH"`
	Forwarding        ForwardingConfig  `json:"forwarding"`
	Ingest            IngestConfig      `json:"ingest"`
	MetricsListen     string            `json:"metrics_listen" env:"OMFGATE_METRICS_LISTEN"`
}

// ServerConfig describes the OMF receiver the agent forwards to.
type ServerConfig struct {
	URL                string `json:"url" env:"OMFGATE_SERVER_URL"`
	OMFPath            string `json:"omf_path" env:"OMFGATE_SERVER_OMF_PATH"`
	ProbePath          string `json:"probe_path" env:"OMFGATE_SERVER_PROBE_PATH"`
	ProducerToken      string `json:"producer_token" env:"OMFGATE_PRODUCER_TOKEN"`
	OMFVersion         string `json:"omf_version" env:"OMFGATE_OMF_VERSION"`
	Username           string `json:"username" env:"OMFGATE_USERNAME"`
	Password           string `json:"password" env:"OMFGATE_PASSWORD"`
	BearerToken        string `json:"bearer_token" env:"OMFGATE_BEARER_TOKEN"`
	RequestTimeout     string `json:"request_timeout" env:"OMFGATE_REQUEST_TIMEOUT"`
	RetryCount         int    `json:"retry_count" env:"OMFGATE_RETRY_COUNT"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" env:"OMFGATE_INSECURE_SKIP_VERIFY"`
}

// FormatsConfig holds the default OMF property formats applied when no
// hint overrides them.
type FormatsConfig struct {
	Number  string `json:"number" env:"OMFGATE_NUMBER_FORMAT"`
	Integer string `json:"integer" env:"OMFGATE_INTEGER_FORMAT"`
}

// AFConfig configures asset framework placement.
type AFConfig struct {
	DefaultLocation string            `json:"default_location" env:"OMFGATE_AF_DEFAULT_LOCATION"`
	Names           map[string]string `json:"names"`
	Metadata        []AFRule          `json:"metadata"`
}

// AFRule is a metadata-driven placement rule. Kind is one of "exist",
// "nonexist", "equal" or "notequal".
type AFRule struct {
	Kind     string `json:"kind"`
	Property string `json:"property"`
	Value    string `json:"value,omitempty"`
	Location string `json:"location"`
}

// ForwardingConfig controls the send loop.
type ForwardingConfig struct {
	Interval  string `json:"interval" env:"OMFGATE_FORWARD_INTERVAL"`
	BatchSize int    `json:"batch_size" env:"OMFGATE_FORWARD_BATCH_SIZE"`
}

// IngestConfig configures the MQTT reading source.
type IngestConfig struct {
	Broker   string `json:"broker" env:"OMFGATE_MQTT_BROKER"`
	Topic    string `json:"topic" env:"OMFGATE_MQTT_TOPIC"`
	ClientID string `json:"client_id" env:"OMFGATE_MQTT_CLIENT_ID"`
	Username string `json:"username" env:"OMFGATE_MQTT_USERNAME"`
	Password string `json:"password" env:"OMFGATE_MQTT_PASSWORD"`
	QoS      byte   `json:"qos" env:"OMFGATE_MQTT_QOS"`
}

// Load builds a Config from the embedded defaults, an optional JSON
// file at path (empty path skips the file stage) and environment
// overrides, in that order.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that cannot be verified lazily.
func (c *Config) Validate() error {
	if _, err := types.ParseEndpoint(c.Endpoint); err != nil {
		return err
	}
	if _, err := types.ParseNamingScheme(c.NamingScheme); err != nil {
		return err
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url must not be empty")
	}
	if len(c.Delimiter) > 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", c.Delimiter)
	}
	if _, err := time.ParseDuration(c.Server.RequestTimeout); err != nil {
		return fmt.Errorf("invalid server.request_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Forwarding.Interval); err != nil {
		return fmt.Errorf("invalid forwarding.interval: %w", err)
	}
	if c.Forwarding.BatchSize <= 0 {
		return fmt.Errorf("forwarding.batch_size must be positive")
	}
	for _, r := range c.AF.Metadata {
		if _, err := parseRuleKind(r.Kind); err != nil {
			return err
		}
	}
	return nil
}

// EndpointKind returns the validated endpoint variant.
func (c *Config) EndpointKind() types.Endpoint {
	ep, _ := types.ParseEndpoint(c.Endpoint)
	return ep
}

// Scheme returns the validated naming scheme.
func (c *Config) Scheme() types.NamingScheme {
	s, _ := types.ParseNamingScheme(c.NamingScheme)
	return s
}

// RequestTimeout returns the parsed server request timeout.
func (c *Config) RequestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.RequestTimeout)
	return d
}

// ForwardInterval returns the parsed send-loop interval.
func (c *Config) ForwardInterval() time.Duration {
	d, _ := time.ParseDuration(c.Forwarding.Interval)
	return d
}

// TypeFormats returns the default property formats as engine types.
func (c *Config) TypeFormats() types.Formats {
	return types.Formats{Number: c.Formats.Number, Integer: c.Formats.Integer}
}

// HierarchyRules converts the AF section into the resolver's rule set.
func (c *Config) HierarchyRules() types.HierarchyRules {
	rules := types.HierarchyRules{
		DefaultLocation: c.AF.DefaultLocation,
		Names:           c.AF.Names,
	}
	for _, r := range c.AF.Metadata {
		kind, err := parseRuleKind(r.Kind)
		if err != nil {
			continue
		}
		rules.Metadata = append(rules.Metadata, types.MetadataRule{
			Kind:     kind,
			Property: r.Property,
			Value:    r.Value,
			Location: r.Location,
		})
	}
	return rules
}

func parseRuleKind(s string) (types.MetadataRuleKind, error) {
	switch s {
	case "exist":
		return types.MetadataExists, nil
	case "nonexist":
		return types.MetadataNonExists, nil
	case "equal":
		return types.MetadataEqual, nil
	case "notequal":
		return types.MetadataNotEqual, nil
	default:
		return 0, fmt.Errorf("unknown metadata rule kind %q", s)
	}
}
