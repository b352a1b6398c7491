package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

const (
	DefaultEntryPoint      = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
	DefaultBindAddress     = ":3001"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultReceiptCacheTTL = 10 * time.Minute
	DefaultAllowedOrigin   = "http://localhost:3000"
	DefaultPollInterval    = 3 * time.Second
)

// Config contains everything the gateway server and the send/status
// commands need. The gateway and the client read the same file; each
// validates only its own part.
type Config struct {
	Environment     string
	Logger          logger.Logger
	HttpBindAddress string
	AllowedOrigins  []string

	Chain      ChainConfig
	EntryPoint common.Address

	Paymaster      PaymasterConfig
	Bundler        UpstreamConfig
	RequestTimeout time.Duration

	Sponsorship     SponsorshipConfig
	ReceiptCacheTTL time.Duration

	SentryDsn  string
	ServerName string

	Client ClientConfig
}

type ChainConfig struct {
	ID     uint64 `yaml:"id"`
	Name   string `yaml:"name"`
	RpcUrl string `yaml:"rpc_url"`
}

type UpstreamConfig struct {
	Url         string `yaml:"url"`
	ApiKey      string `yaml:"api_key"`
	BearerToken string `yaml:"bearer_token"`
}

type PaymasterConfig struct {
	UpstreamConfig     `yaml:",inline"`
	PaymasterID        string `yaml:"paymaster_id"`
	CalculateGasLimits *bool  `yaml:"calculate_gas_limits"`
}

type SponsorshipConfig struct {
	// Policy is an expr-lang boolean expression, empty sponsors everything
	Policy     string `yaml:"policy"`
	DailyQuota int    `yaml:"daily_quota"`
}

// ClientConfig drives the send command: the reference smart account and the
// lifecycle polling.
type ClientConfig struct {
	GatewayUrl         string
	OwnerPrivateKey    string
	FactoryAddress     common.Address
	Salt               int64
	PollInterval       time.Duration
	MaxPollAttempts    int
	PollErrorTolerance int
}

// These are read from configPath
type ConfigRaw struct {
	Environment     string            `yaml:"environment"`
	HttpBindAddress string            `yaml:"http_bind_address"`
	AllowedOrigins  []string          `yaml:"allowed_origins"`
	Chain           ChainConfig       `yaml:"chain"`
	EntryPoint      string            `yaml:"entry_point_address"`
	Paymaster       PaymasterConfig   `yaml:"paymaster"`
	Bundler         UpstreamConfig    `yaml:"bundler"`
	RequestTimeout  string            `yaml:"request_timeout"`
	Sponsorship     SponsorshipConfig `yaml:"sponsorship"`
	ReceiptCacheTTL string            `yaml:"receipt_cache_ttl"`
	SentryDsn       string            `yaml:"sentry_dsn"`
	ServerName      string            `yaml:"server_name"`

	Client struct {
		GatewayUrl         string `yaml:"gateway_url"`
		OwnerPrivateKey    string `yaml:"owner_private_key"`
		FactoryAddress     string `yaml:"factory_address"`
		Salt               int64  `yaml:"salt"`
		PollInterval       string `yaml:"poll_interval"`
		MaxPollAttempts    int    `yaml:"max_poll_attempts"`
		PollErrorTolerance int    `yaml:"poll_error_tolerance"`
	} `yaml:"client"`
}

// NewConfig reads configFilePath, when set, then applies the environment
// overrides. Missing keys fall back to Soneium Minato defaults.
func NewConfig(configFilePath string) (*Config, error) {
	var raw ConfigRaw
	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", configFilePath, err)
		}
	}
	return FromRaw(raw, os.LookupEnv)
}

// FromRaw turns the file content into a Config. lookupEnv is os.LookupEnv
// outside of tests.
func FromRaw(raw ConfigRaw, lookupEnv func(string) (string, bool)) (*Config, error) {
	applyEnv(&raw, lookupEnv)

	log, err := logger.New(raw.Environment)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Environment:     raw.Environment,
		Logger:          log,
		HttpBindAddress: lo.Ternary(raw.HttpBindAddress != "", raw.HttpBindAddress, DefaultBindAddress),
		AllowedOrigins:  cleanOrigins(raw.AllowedOrigins),
		Chain:           raw.Chain,
		Paymaster:       raw.Paymaster,
		Bundler:         raw.Bundler,
		Sponsorship:     raw.Sponsorship,
		SentryDsn:       raw.SentryDsn,
		ServerName:      raw.ServerName,
	}

	if c.Chain.ID == 0 {
		c.Chain.ID = SoneiumMinato.ID
	}
	if c.Chain.Name == "" {
		c.Chain.Name = ChainName(c.Chain.ID)
	}
	if c.Paymaster.CalculateGasLimits == nil {
		c.Paymaster.CalculateGasLimits = lo.ToPtr(true)
	}

	entryPoint := lo.Ternary(raw.EntryPoint != "", raw.EntryPoint, DefaultEntryPoint)
	if !common.IsHexAddress(entryPoint) {
		return nil, fmt.Errorf("entry_point_address %q is not an address", entryPoint)
	}
	c.EntryPoint = common.HexToAddress(entryPoint)

	if c.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout, DefaultRequestTimeout); err != nil {
		return nil, err
	}
	if c.ReceiptCacheTTL, err = parseDuration("receipt_cache_ttl", raw.ReceiptCacheTTL, DefaultReceiptCacheTTL); err != nil {
		return nil, err
	}

	c.Client = ClientConfig{
		GatewayUrl:         strings.TrimRight(raw.Client.GatewayUrl, "/"),
		OwnerPrivateKey:    raw.Client.OwnerPrivateKey,
		Salt:               raw.Client.Salt,
		MaxPollAttempts:    raw.Client.MaxPollAttempts,
		PollErrorTolerance: raw.Client.PollErrorTolerance,
	}
	if raw.Client.FactoryAddress != "" {
		if !common.IsHexAddress(raw.Client.FactoryAddress) {
			return nil, fmt.Errorf("client.factory_address %q is not an address", raw.Client.FactoryAddress)
		}
		c.Client.FactoryAddress = common.HexToAddress(raw.Client.FactoryAddress)
	}
	if c.Client.PollInterval, err = parseDuration("client.poll_interval", raw.Client.PollInterval, DefaultPollInterval); err != nil {
		return nil, err
	}

	return c, nil
}

func applyEnv(raw *ConfigRaw, lookupEnv func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	set("PAYMASTER_URL", &raw.Paymaster.Url)
	set("PAYMASTER_ID", &raw.Paymaster.PaymasterID)
	set("PAYMASTER_API_KEY", &raw.Paymaster.ApiKey)
	set("BUNDLER_URL", &raw.Bundler.Url)
	set("BUNDLER_API_KEY", &raw.Bundler.ApiKey)
	set("ENTRY_POINT_ADDRESS", &raw.EntryPoint)
	set("RPC_URL", &raw.Chain.RpcUrl)
	set("SENTRY_DSN", &raw.SentryDsn)
	set("GATEWAY_URL", &raw.Client.GatewayUrl)
	set("OWNER_PRIVATE_KEY", &raw.Client.OwnerPrivateKey)

	if v, ok := lookupEnv("PORT"); ok && v != "" {
		raw.HttpBindAddress = ":" + v
	}
	if v, ok := lookupEnv("ALLOWED_ORIGINS"); ok && v != "" {
		raw.AllowedOrigins = strings.Split(v, ",")
	}
}

func cleanOrigins(origins []string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(origins, func(o string, _ int) string {
		return strings.TrimSpace(o)
	})))
	if len(out) == 0 {
		return []string{DefaultAllowedOrigin}
	}
	return out
}

func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	// a bare number is read as seconds
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Validate checks what the gateway server needs to talk to its upstreams.
func (c *Config) Validate() error {
	if c.Paymaster.Url == "" {
		return fmt.Errorf("config: paymaster.url (PAYMASTER_URL) is required")
	}
	if c.Paymaster.PaymasterID == "" {
		return fmt.Errorf("config: paymaster.paymaster_id (PAYMASTER_ID) is required")
	}
	if c.Bundler.Url == "" {
		return fmt.Errorf("config: bundler.url (BUNDLER_URL) is required")
	}
	return nil
}

// ValidateClient checks what the send and status commands need.
func (c *Config) ValidateClient(needsAccount bool) error {
	if c.Client.GatewayUrl == "" {
		return fmt.Errorf("config: client.gateway_url (GATEWAY_URL) is required")
	}
	if !needsAccount {
		return nil
	}
	if c.Chain.RpcUrl == "" {
		return fmt.Errorf("config: chain.rpc_url (RPC_URL) is required")
	}
	if c.Client.FactoryAddress == (common.Address{}) {
		return fmt.Errorf("config: client.factory_address is required")
	}
	if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.Client.OwnerPrivateKey, "0x")); err != nil {
		return fmt.Errorf("config: client.owner_private_key (OWNER_PRIVATE_KEY) is invalid: %w", err)
	}
	return nil
}
