// Package config loads the failsafe configuration shared by the configuration
// server, the configuration client and the maintenance commands.
//
// Values come from three layers, highest precedence first: explicit settings
// (command line flags), FAILSAFE_* environment variables, and a YAML file.
// SetDefaults fills whatever is still empty.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/failsafe/internal/cluster"
)

// Config holds externally configurable options. Durations are whole seconds,
// matching the file format operators already use.
type Config struct {
	Server                   string `yaml:"redis_configuration_server"`
	Port                     int    `yaml:"redis_configuration_server_port"`
	RedisServers             string `yaml:"redis_servers"`
	ClientIDs                string `yaml:"redis_configuration_client_ids"`
	ClientHeartbeat          int    `yaml:"redis_configuration_client_heartbeat"`
	ClientTimeout            int    `yaml:"redis_configuration_client_timeout"`
	RedisMasterRetries       int    `yaml:"redis_configuration_master_retries"`
	RedisMasterRetryInterval int    `yaml:"redis_configuration_master_retry_interval"`
	RedisMasterFile          string `yaml:"redis_server"`
	GCThreshold              int    `yaml:"redis_gc_threshold"`
	GCDatabases              string `yaml:"redis_gc_databases"`
	ConfidenceLevelSpec      string `yaml:"redis_failover_confidence_level"`
	MailTo                   string `yaml:"mail_to"`
	MailFrom                 string `yaml:"mail_from"`
	SMTPAddr                 string `yaml:"smtp_addr"`
	DialTimeout              int    `yaml:"dial_timeout"`
	LogLevel                 string `yaml:"log_level"`
	LogFile                  string `yaml:"log_file"`
	PidFile                  string `yaml:"pid_file"`
}

// FailoverSet is one system parsed from the redis_servers option.
type FailoverSet struct {
	Name  string
	Nodes []string
}

// Load reads a YAML config file. A missing path yields an empty config.
func Load(path string) (*Config, error) {
	var c Config
	if path == "" {
		return &c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	c.Sanitize()
	return &c, nil
}

// FromEnv builds a config from FAILSAFE_* environment variables.
func FromEnv() *Config {
	c := &Config{
		Server:                   getenv("FAILSAFE_SERVER", ""),
		Port:                     getenvInt("FAILSAFE_SERVER_PORT"),
		RedisServers:             getenv("FAILSAFE_REDIS_SERVERS", ""),
		ClientIDs:                getenv("FAILSAFE_CLIENT_IDS", ""),
		ClientHeartbeat:          getenvInt("FAILSAFE_CLIENT_HEARTBEAT"),
		ClientTimeout:            getenvInt("FAILSAFE_CLIENT_TIMEOUT"),
		RedisMasterRetries:       getenvInt("FAILSAFE_MASTER_RETRIES"),
		RedisMasterRetryInterval: getenvInt("FAILSAFE_MASTER_RETRY_INTERVAL"),
		RedisMasterFile:          getenv("FAILSAFE_MASTER_FILE", ""),
		GCThreshold:              getenvInt("FAILSAFE_GC_THRESHOLD"),
		GCDatabases:              getenv("FAILSAFE_GC_DATABASES", ""),
		ConfidenceLevelSpec:      getenv("FAILSAFE_CONFIDENCE_LEVEL", ""),
		MailTo:                   getenv("FAILSAFE_MAIL_TO", ""),
		MailFrom:                 getenv("FAILSAFE_MAIL_FROM", ""),
		SMTPAddr:                 getenv("FAILSAFE_SMTP_ADDR", ""),
		DialTimeout:              getenvInt("FAILSAFE_DIAL_TIMEOUT"),
		LogLevel:                 getenv("FAILSAFE_LOG_LEVEL", ""),
		LogFile:                  getenv("FAILSAFE_LOG_FILE", ""),
		PidFile:                  getenv("FAILSAFE_PID_FILE", ""),
	}
	c.Sanitize()
	return c
}

// Resolve layers flags over the environment over the config file at path
// and fills the remaining defaults.
func Resolve(flags *Config, path string) (*Config, error) {
	file, err := Load(path)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if flags != nil {
		c = flags.Clone()
	}
	return c.Merge(FromEnv()).Merge(file).SetDefaults(), nil
}

// Clone copies a config.
func (c *Config) Clone() *Config {
	d := *c
	return &d
}

// String renders the config as YAML.
func (c *Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(b)
}

// ServerURL is the host:port of the configuration server.
func (c *Config) ServerURL() string {
	return c.Server + ":" + strconv.Itoa(c.Port)
}

// Sanitize replaces newlines in the client id list by commas.
func (c *Config) Sanitize() {
	if strings.Contains(c.ClientIDs, "\n") {
		c.ClientIDs = strings.ReplaceAll(c.ClientIDs, "\n", ",")
	}
}

// SetDefaults fills every unset option with its default value.
func (c *Config) SetDefaults() *Config {
	if c.Server == "" {
		c.Server = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 9650
	}
	if c.ClientHeartbeat == 0 {
		c.ClientHeartbeat = 5
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = 10
	}
	if c.RedisMasterRetries == 0 {
		c.RedisMasterRetries = 3
	}
	if c.RedisMasterRetryInterval == 0 {
		c.RedisMasterRetryInterval = 10
	}
	if c.RedisMasterFile == "" {
		c.RedisMasterFile = "/etc/failsafe/redis-master"
	}
	if c.GCThreshold == 0 {
		c.GCThreshold = 3600
	}
	if c.GCDatabases == "" {
		c.GCDatabases = "4"
	}
	if c.ConfidenceLevelSpec == "" {
		c.ConfidenceLevelSpec = "100"
	}
	if c.MailTo == "" {
		c.MailTo = "root@localhost"
	}
	if c.MailFrom == "" {
		c.MailFrom = "failsafe@localhost"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Sanitize()
	return c
}

// Merge fills the unset options of c from d. Settings in c win.
func (c *Config) Merge(d *Config) *Config {
	if d == nil {
		return c
	}
	mergeString(&c.Server, d.Server)
	mergeInt(&c.Port, d.Port)
	mergeString(&c.RedisServers, d.RedisServers)
	mergeString(&c.ClientIDs, d.ClientIDs)
	mergeInt(&c.ClientHeartbeat, d.ClientHeartbeat)
	mergeInt(&c.ClientTimeout, d.ClientTimeout)
	mergeInt(&c.RedisMasterRetries, d.RedisMasterRetries)
	mergeInt(&c.RedisMasterRetryInterval, d.RedisMasterRetryInterval)
	mergeString(&c.RedisMasterFile, d.RedisMasterFile)
	mergeInt(&c.GCThreshold, d.GCThreshold)
	mergeString(&c.GCDatabases, d.GCDatabases)
	mergeString(&c.ConfidenceLevelSpec, d.ConfidenceLevelSpec)
	mergeString(&c.MailTo, d.MailTo)
	mergeString(&c.MailFrom, d.MailFrom)
	mergeString(&c.SMTPAddr, d.SMTPAddr)
	mergeInt(&c.DialTimeout, d.DialTimeout)
	mergeString(&c.LogLevel, d.LogLevel)
	mergeString(&c.LogFile, d.LogFile)
	mergeString(&c.PidFile, d.PidFile)
	c.Sanitize()
	return c
}

// FailoverSets parses redis_servers. Examples:
//
//	"a1:5,a2:5"                          => system: [a1:5 a2:5]
//	"primary/a1:5,a2:5\nsecondary/b1:3"  => primary: [a1:5 a2:5], secondary: [b1:3]
func (c *Config) FailoverSets() []FailoverSet {
	var sets []FailoverSet
	for _, line := range strings.Split(c.RedisServers, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, spec := cluster.DefaultSystem, line
		if i := strings.Index(line, "/"); i >= 0 {
			name, spec = line[:i], line[i+1:]
		}
		sets = append(sets, FailoverSet{Name: name, Nodes: splitList(spec)})
	}
	return sets
}

// Systems converts the failover sets into cluster systems.
func (c *Config) Systems() []cluster.System {
	sets := c.FailoverSets()
	systems := make([]cluster.System, 0, len(sets))
	for _, fs := range sets {
		systems = append(systems, cluster.System{Name: fs.Name, Nodes: fs.Nodes})
	}
	return systems
}

// ClientIDList returns the configured watcher ids.
func (c *Config) ClientIDList() []string {
	return splitList(c.ClientIDs)
}

// ConfidenceLevel returns the failover confidence level clamped to [0, 100].
// Unparseable values mean 100.
func (c *Config) ConfidenceLevel() int {
	level, err := strconv.Atoi(strings.TrimSpace(c.ConfidenceLevelSpec))
	if err != nil {
		return 100
	}
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}

func (c *Config) ClientHeartbeatInterval() time.Duration {
	return time.Duration(c.ClientHeartbeat) * time.Second
}

func (c *Config) ClientTimeoutDuration() time.Duration {
	return time.Duration(c.ClientTimeout) * time.Second
}

func (c *Config) MasterRetryInterval() time.Duration {
	return time.Duration(c.RedisMasterRetryInterval) * time.Second
}

func (c *Config) DialTimeoutDuration() time.Duration {
	return time.Duration(c.DialTimeout) * time.Second
}

func (c *Config) GCThresholdDuration() time.Duration {
	return time.Duration(c.GCThreshold) * time.Second
}

// GCDatabaseList returns the redis database numbers to garbage collect.
func (c *Config) GCDatabaseList() ([]int, error) {
	var dbs []int
	for _, s := range splitList(c.GCDatabases) {
		db, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid gc database %q", s)
		}
		dbs = append(dbs, db)
	}
	return dbs, nil
}

// Validate checks the options the configuration server cannot run without.
func (c *Config) Validate() error {
	sets := c.FailoverSets()
	if len(sets) == 0 {
		return errors.New("no redis servers configured")
	}
	seen := make(map[string]bool)
	for _, fs := range sets {
		if seen[fs.Name] {
			return errors.Newf("duplicate system name %q", fs.Name)
		}
		seen[fs.Name] = true
		if len(fs.Nodes) == 0 {
			return errors.Newf("system %q has no redis servers", fs.Name)
		}
		for _, n := range fs.Nodes {
			if _, _, err := cluster.SplitAddr(n); err != nil {
				return errors.Wrapf(err, "system %q", fs.Name)
			}
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mergeString(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if *dst == 0 {
		*dst = src
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return 0
	}
	return v
}
