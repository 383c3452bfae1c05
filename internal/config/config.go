package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HYDRACORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dns.hostname", "0.0.0.0")
	v.SetDefault("dns.port", 53)

	v.SetDefault("doh.hostname", "0.0.0.0")
	v.SetDefault("doh.port", 5053)

	v.SetDefault("dot.hostname", "0.0.0.0")
	v.SetDefault("dot.port", 853)

	v.SetDefault("ssl.certfile", "")
	v.SetDefault("ssl.keyfile", "")

	v.SetDefault("cache.enable", true)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.ttl", 600)

	v.SetDefault("forward", []string{})

	v.SetDefault("upstream.servers", []string{"https://1.1.1.1/dns-query"})

	v.SetDefault("adsblock.sources", []BlocklistSourceConfig{})
	v.SetDefault("adsblock.custom", []string{})
	v.SetDefault("adsblock.whitelist", []string{})
	v.SetDefault("adsblock.reload_interval", "10m")

	v.SetDefault("storage.path", "hydracore.db")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	v.SetDefault("rate_limit.cleanup_seconds", 60.0)
	v.SetDefault("rate_limit.max_ip_entries", 65536)
	v.SetDefault("rate_limit.max_prefix_entries", 16384)
	v.SetDefault("rate_limit.global_qps", 100000.0)
	v.SetDefault("rate_limit.global_burst", 100000)
	v.SetDefault("rate_limit.prefix_qps", 10000.0)
	v.SetDefault("rate_limit.prefix_burst", 20000)
	v.SetDefault("rate_limit.ip_qps", 5000.0)
	v.SetDefault("rate_limit.ip_burst", 10000)
}

func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.DNS.Hostname = v.GetString("dns.hostname")
	cfg.DNS.Port = v.GetInt("dns.port")
	loadCustomDNS(v, cfg)

	cfg.DoH.Hostname = v.GetString("doh.hostname")
	cfg.DoH.Port = v.GetInt("doh.port")

	cfg.DoT.Hostname = v.GetString("dot.hostname")
	cfg.DoT.Port = v.GetInt("dot.port")

	cfg.SSL.CertFile = v.GetString("ssl.certfile")
	cfg.SSL.KeyFile = v.GetString("ssl.keyfile")

	cfg.Cache.Enable = v.GetBool("cache.enable")
	cfg.Cache.MaxSize = v.GetInt("cache.max_size")
	cfg.Cache.TTL = v.GetInt("cache.ttl")

	cfg.Forward = parseForwardRules(getStringSliceOrSplit(v, "forward"))

	cfg.Upstream.Servers = getStringSliceOrSplit(v, "upstream.servers")

	loadBlocklistConfig(v, cfg)

	cfg.Storage.Path = v.GetString("storage.path")

	loadLoggingConfig(v, cfg)
	loadRateLimitConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadCustomDNS parses dns.custom entries of the form "name:ip[,ip...]",
// "alias=canonical" (CNAME), or "in-addr.arpa-name<canonical" (PTR) and
// seeds the three mandatory entries spec.md requires regardless of what the
// file configures: localhost., the PTR for 127.0.0.1, and the machine's own
// hostname.
func loadCustomDNS(v *viper.Viper, cfg *Config) {
	hosts := make(map[string][]string)
	cnames := make(map[string]string)
	ptrs := make(map[string]string)

	for _, raw := range getStringSliceOrSplit(v, "dns.custom") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if name, target, ok := strings.Cut(raw, "<"); ok {
			ptrs[normalizeHostKey(name)] = normalizeHostKey(target)
			continue
		}
		if name, target, ok := strings.Cut(raw, "="); ok {
			cnames[normalizeHostKey(name)] = normalizeHostKey(target)
			continue
		}
		name, addrs, ok := strings.Cut(raw, ":")
		if !ok {
			continue
		}
		name = normalizeHostKey(name)
		var ips []string
		for _, a := range strings.Split(addrs, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				ips = append(ips, a)
			}
		}
		if len(ips) > 0 {
			hosts[name] = ips
		}
	}

	hosts["localhost."] = []string{"127.0.0.1"}
	ptrs["1.0.0.127.in-addr.arpa."] = "localhost."
	if hostname, err := os.Hostname(); err == nil {
		hosts[normalizeHostKey(hostname)] = []string{"127.0.0.1"}
	}

	cfg.DNS.Hosts = hosts
	cfg.DNS.CNAMEs = cnames
	cfg.DNS.PTRs = ptrs
}

func normalizeHostKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

// parseForwardRules parses "suffix:server1,server2" entries into ForwardRule
// values, ordered as configured (first matching suffix wins).
func parseForwardRules(raw []string) []ForwardRule {
	var rules []ForwardRule
	for _, r := range raw {
		suffix, serverList, ok := strings.Cut(r, ":")
		if !ok {
			continue
		}
		var servers []string
		for _, s := range strings.Split(serverList, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				servers = append(servers, s)
			}
		}
		if suffix == "" || len(servers) == 0 {
			continue
		}
		rules = append(rules, ForwardRule{Suffix: normalizeHostKey(suffix), Servers: servers})
	}
	return rules
}

func loadBlocklistConfig(v *viper.Viper, cfg *Config) {
	if err := v.UnmarshalKey("adsblock.sources", &cfg.Blocklist.Sources); err != nil {
		cfg.Blocklist.Sources = nil
	}
	cfg.Blocklist.Custom = getStringSliceOrSplit(v, "adsblock.custom")
	cfg.Blocklist.Whitelist = getStringSliceOrSplit(v, "adsblock.whitelist")
	cfg.Blocklist.ReloadInterval = v.GetString("adsblock.reload_interval")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadRateLimitConfig(v *viper.Viper, cfg *Config) {
	cfg.RateLimit.CleanupSeconds = v.GetFloat64("rate_limit.cleanup_seconds")
	cfg.RateLimit.MaxIPEntries = v.GetInt("rate_limit.max_ip_entries")
	cfg.RateLimit.MaxPrefixEntries = v.GetInt("rate_limit.max_prefix_entries")
	cfg.RateLimit.GlobalQPS = v.GetFloat64("rate_limit.global_qps")
	cfg.RateLimit.GlobalBurst = v.GetInt("rate_limit.global_burst")
	cfg.RateLimit.PrefixQPS = v.GetFloat64("rate_limit.prefix_qps")
	cfg.RateLimit.PrefixBurst = v.GetInt("rate_limit.prefix_burst")
	cfg.RateLimit.IPQPS = v.GetFloat64("rate_limit.ip_qps")
	cfg.RateLimit.IPBurst = v.GetInt("rate_limit.ip_burst")
}

func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		result := make([]string, 0, len(slice))
		for _, s := range slice {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	if s := v.GetString(key); s != "" {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return nil
}

func normalizeConfig(cfg *Config) error {
	if cfg.DNS.Port <= 0 || cfg.DNS.Port > 65535 {
		return errors.New("dns.port must be 1..65535")
	}
	if cfg.DoH.Port <= 0 || cfg.DoH.Port > 65535 {
		return errors.New("doh.port must be 1..65535")
	}
	if cfg.DoT.Port <= 0 || cfg.DoT.Port > 65535 {
		return errors.New("dot.port must be 1..65535")
	}

	if len(cfg.Upstream.Servers) == 0 {
		cfg.Upstream.Servers = []string{"https://1.1.1.1/dns-query"}
	}

	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = 1000
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 600
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.Blocklist.ReloadInterval == "" {
		cfg.Blocklist.ReloadInterval = "10m"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "hydracore.db"
	}

	return nil
}

// HashFile returns the hex-encoded SHA-256 digest of the config file at
// path, used by the config watcher (C5) to detect changes without
// re-parsing on every poll. An empty path hashes to the digest of an empty
// byte slice, so a watcher comparing hashes still behaves consistently when
// no file was given; a file that cannot be read returns an error.
func HashFile(path string) (string, error) {
	if path == "" {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: hash file: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
