// Package config loads hydracore's configuration using Viper. Configuration
// comes from an optional YAML file plus environment variable overrides and
// hardcoded defaults.
//
// Environment variables use the HYDRACORE_ prefix and underscore-separated
// keys, e.g. HYDRACORE_DNS_PORT -> dns.port, HYDRACORE_UPSTREAM_SERVERS ->
// upstream.servers (comma-separated).
package config

import (
	"os"
	"strings"
)

// DNSConfig configures the plain UDP/53 listener and the custom-record table.
type DNSConfig struct {
	Hostname string              `yaml:"hostname" mapstructure:"hostname"`
	Port     int                 `yaml:"port"     mapstructure:"port"`
	Hosts    map[string][]string `yaml:"-"        mapstructure:"-"` // name -> IPv4 addrs, parsed from custom
	CNAMEs   map[string]string   `yaml:"-"        mapstructure:"-"` // alias -> canonical name
	PTRs     map[string]string   `yaml:"-"        mapstructure:"-"` // in-addr.arpa name -> PTR target
}

// DoHConfig configures the DNS-over-HTTPS listener (RFC 8484).
type DoHConfig struct {
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
	Port     int    `yaml:"port"     mapstructure:"port"`
}

// DoTConfig configures the DNS-over-TLS listener (RFC 7858).
type DoTConfig struct {
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
	Port     int    `yaml:"port"     mapstructure:"port"`
}

// SSLConfig names the certificate pair DoH and DoT wrap their listeners
// with. Loading/parsing the certificate files themselves is a collaborator's
// concern, not this package's.
type SSLConfig struct {
	CertFile string `yaml:"certfile" mapstructure:"certfile"`
	KeyFile  string `yaml:"keyfile"  mapstructure:"keyfile"`
}

// CacheConfig controls the response cache (C2).
type CacheConfig struct {
	Enable  bool `yaml:"enable"   mapstructure:"enable"`
	MaxSize int  `yaml:"max_size" mapstructure:"max_size"`
	TTL     int  `yaml:"ttl"      mapstructure:"ttl"` // seconds
}

// ForwardRule routes queries for a domain suffix to a fixed set of upstream
// servers instead of the default upstream pool.
type ForwardRule struct {
	Suffix  string
	Servers []string
}

// UpstreamConfig is the pool of DoH resolvers queries fall through to once
// no custom record, blocklist entry, cache entry, or forwarder matched.
type UpstreamConfig struct {
	Servers []string `yaml:"servers" mapstructure:"servers"`
}

// BlocklistSourceConfig names one remote blocklist feed.
type BlocklistSourceConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url"  mapstructure:"url"`
}

// BlocklistConfig controls the blocklist manager (C1).
type BlocklistConfig struct {
	Sources         []BlocklistSourceConfig `yaml:"sources"         mapstructure:"sources"`
	Custom          []string                `yaml:"custom"          mapstructure:"custom"`
	Whitelist       []string                `yaml:"whitelist"       mapstructure:"whitelist"`
	ReloadInterval  string                  `yaml:"reload_interval" mapstructure:"reload_interval"`
}

// StorageConfig locates the SQLite database file.
type StorageConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// RateLimitConfig controls the ambient token-bucket rate limiter.
type RateLimitConfig struct {
	CleanupSeconds   float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"`
	MaxIPEntries     int     `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"`
	MaxPrefixEntries int     `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries"`
	GlobalQPS        float64 `yaml:"global_qps"         mapstructure:"global_qps"`
	GlobalBurst      int     `yaml:"global_burst"       mapstructure:"global_burst"`
	PrefixQPS        float64 `yaml:"prefix_qps"         mapstructure:"prefix_qps"`
	PrefixBurst      int     `yaml:"prefix_burst"       mapstructure:"prefix_burst"`
	IPQPS            float64 `yaml:"ip_qps"             mapstructure:"ip_qps"`
	IPBurst          int     `yaml:"ip_burst"           mapstructure:"ip_burst"`
}

// Config is the root configuration structure.
type Config struct {
	DNS       DNSConfig       `yaml:"dns"        mapstructure:"dns"`
	DoH       DoHConfig       `yaml:"doh"        mapstructure:"doh"`
	DoT       DoTConfig       `yaml:"dot"        mapstructure:"dot"`
	SSL       SSLConfig       `yaml:"ssl"        mapstructure:"ssl"`
	Cache     CacheConfig     `yaml:"cache"      mapstructure:"cache"`
	Forward   []ForwardRule   `yaml:"-"          mapstructure:"-"` // parsed from "forward" key's "suffix:server1,server2" strings
	Upstream  UpstreamConfig  `yaml:"upstream"   mapstructure:"upstream"`
	Blocklist BlocklistConfig `yaml:"adsblock"   mapstructure:"adsblock"`
	Storage   StorageConfig   `yaml:"storage"    mapstructure:"storage"`
	Logging   LoggingConfig   `yaml:"logging"    mapstructure:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HYDRACORE_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable
// overrides. This is the main entry point for loading configuration.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
