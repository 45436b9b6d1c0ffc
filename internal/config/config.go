package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBlockReorgMargin = 100
	DefaultDBPath           = "wrapper-sync.db"
)

// Config holds the YAML configuration.
type Config struct {
	Version int           `yaml:"version" validate:"required,eq=1"`
	Global  GlobalConfig  `yaml:"global"`
	Chain   ChainConfig   `yaml:"chain"`
	Wallet  *WalletConfig `yaml:"wallet,omitempty" validate:"omitempty"`
	Apps    []AppConfig   `yaml:"apps" validate:"required,min=1,dive"`
	IPFS    *IPFSConfig   `yaml:"ipfs,omitempty" validate:"omitempty"`
}

type GlobalConfig struct {
	DBPath              string          `yaml:"db_path"`
	BlockReorgMargin    *uint64         `yaml:"block_reorg_margin"`
	InitializationBlock uint64          `yaml:"initialization_block"`
	Network             reducer.Network `yaml:"network"`
	Cache               CacheConfig     `yaml:"cache"`
	LogLevel            string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

type CacheConfig struct {
	Backend       string `yaml:"backend" validate:"omitempty,oneof=sqlite redis memory"`
	Codec         string `yaml:"codec" validate:"omitempty,oneof=json cbor"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
}

type ChainConfig struct {
	RPCURL       string  `yaml:"rpc_url" validate:"required"`
	RPS          float64 `yaml:"rps" validate:"gte=0"`
	Burst        int     `yaml:"burst" validate:"gte=0"`
	FetchWorkers int     `yaml:"fetch_workers" validate:"gte=0"`
}

// WalletConfig signs the organization's transactions. The key is normally
// supplied through ${VAR} interpolation.
type WalletConfig struct {
	PrivateKey string `yaml:"private_key" validate:"required"`
	ChainID    int64  `yaml:"chain_id" validate:"required,gt=0"`
	Forwarder  string `yaml:"forwarder" validate:"omitempty,eth_addr"`
}

// AppConfig is one installed app of the organization.
type AppConfig struct {
	Name                  string `yaml:"name" validate:"required"`
	AppID                 string `yaml:"app_id"`
	ProxyAddress          string `yaml:"proxy_address" validate:"required,eth_addr"`
	KernelAddress         string `yaml:"kernel_address" validate:"omitempty,eth_addr"`
	ImplementationAddress string `yaml:"implementation_address" validate:"omitempty,eth_addr"`
	IsForwarder           bool   `yaml:"is_forwarder"`
	Content               string `yaml:"content"`
	ABIPath               string `yaml:"abi_path"`
}

type IPFSConfig struct {
	Provider string `yaml:"provider" validate:"required,oneof=pinata infura temporal"`
	URI      string `yaml:"uri" validate:"omitempty,url"`
	Gateway  string `yaml:"gateway" validate:"omitempty,url"`
	Key      string `yaml:"key"`
	Secret   string `yaml:"secret"`
}

var (
	envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate runs the struct tag rules, then the cross-field checks tags cannot express.
func (c *Config) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s: failed %q rule", trimRoot(verrs[0].Namespace()), verrs[0].Tag())
		}
		return err
	}

	names := map[string]struct{}{}
	addrs := map[common.Address]string{}
	for _, a := range c.Apps {
		key := org.NormalizeName(a.Name)
		if _, exists := names[key]; exists {
			return fmt.Errorf("duplicate app name: %s", a.Name)
		}
		names[key] = struct{}{}

		addr := common.HexToAddress(a.ProxyAddress)
		if prev, exists := addrs[addr]; exists {
			return fmt.Errorf("apps %s and %s share proxy address %s", prev, a.Name, addr.Hex())
		}
		addrs[addr] = a.Name

		if a.ABIPath != "" {
			if _, err := os.Stat(a.ABIPath); err != nil {
				return fmt.Errorf("app %s: abi_path: %w", a.Name, err)
			}
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Global.Cache.Backend == "" {
		c.Global.Cache.Backend = "sqlite"
	}
	if c.Global.Cache.Codec == "" {
		c.Global.Cache.Codec = "json"
	}
	if c.Global.DBPath == "" {
		c.Global.DBPath = DefaultDBPath
	}
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
}

// ReorgMargin is the configured block_reorg_margin, or the default when unset.
func (c *Config) ReorgMargin() uint64 {
	if c.Global.BlockReorgMargin == nil {
		return DefaultBlockReorgMargin
	}
	return *c.Global.BlockReorgMargin
}

// InstalledApps converts the apps section into the organization's app list.
func (c *Config) InstalledApps() []org.App {
	out := make([]org.App, 0, len(c.Apps))
	for _, a := range c.Apps {
		out = append(out, org.App{
			AppID:           a.AppID,
			Name:            a.Name,
			ProxyAddress:    common.HexToAddress(a.ProxyAddress),
			ContractAddress: common.HexToAddress(a.ImplementationAddress),
			KernelAddress:   common.HexToAddress(a.KernelAddress),
			IsForwarder:     a.IsForwarder,
			Content:         a.Content,
		})
	}
	return out
}

// App returns the configured app whose normalized name is key.
func (c *Config) App(key string) (AppConfig, bool) {
	key = org.NormalizeName(key)
	for _, a := range c.Apps {
		if org.NormalizeName(a.Name) == key {
			return a, true
		}
	}
	return AppConfig{}, false
}

// trimRoot drops the leading "Config." from validator namespaces.
func trimRoot(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
