package zeroex

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// NetworkID identifies a deployment of the 0x v2 contracts
type NetworkID int

const (
	NetworkKovan   NetworkID = 42 // Kovan testnet
	NetworkGanache NetworkID = 50 // 0x ganache snapshot
)

// SupportedNetworks lists all networks with a known address table
var SupportedNetworks = []NetworkID{NetworkKovan, NetworkGanache}

// ContractAddresses holds hex contract addresses for a network.
// Empty fields in a config file fall back to the network defaults.
type ContractAddresses struct {
	Exchange    string `yaml:"exchange"`
	ERC20Proxy  string `yaml:"erc20_proxy"`
	ERC721Proxy string `yaml:"erc721_proxy"`
	Forwarder   string `yaml:"forwarder"`
	WETH        string `yaml:"weth"`
	ZRX         string `yaml:"zrx"`
}

// DefaultContractAddresses maps network IDs to their contract addresses
var DefaultContractAddresses = map[NetworkID]ContractAddresses{
	NetworkKovan: {
		Exchange:    "0x35dd2932454449b14cee11a94d3674a936d5d7b2",
		ERC20Proxy:  "0xf1ec01d6236d3cd881a0bf0130ea25fe4234003e",
		ERC721Proxy: "0x2a9127c745688a165106c11cd4d647d2220af821",
		Forwarder:   "0x17992e4ffb22730138e4b62aaa6367fa9d3699a6",
		WETH:        "0xd0a1e359811322d97991e03f863a0c30c2cf029c",
		ZRX:         "0x2002d3812f58e35f0ea1ffbf80a75a38c32175fa",
	},
	NetworkGanache: {
		Exchange:    "0x48bacb9266a570d521063ef5dd96e61686dbe788",
		ERC20Proxy:  "0x1dc4c1cefef38a777b15aa20260a54e584b16c48",
		ERC721Proxy: "0x1d7022f5b17d2f8b695918fb48fa1089c9f85401",
		Forwarder:   "0xb69e673309512a9d726f87304c6984054f87a93b",
		WETH:        "0x0b1ba0af832d7c05fd64161e0db78e85978e8082",
		ZRX:         "0x871dd7c2b4b25e1aa18728e9d5f2af4c4e431f5c",
	},
}

// Contracts is the resolved address set used at runtime
type Contracts struct {
	Exchange    common.Address
	ERC20Proxy  common.Address
	ERC721Proxy common.Address
	Forwarder   common.Address
	WETH        common.Address
	ZRX         common.Address
}

// Config holds everything needed to build a Client.
// LoadConfig reads it from YAML and then applies environment overrides.
type Config struct {
	NetworkID   NetworkID         `yaml:"network_id"`
	RPCURL      string            `yaml:"rpc_url"`
	PrivateKeys []string          `yaml:"private_keys"`
	Contracts   ContractAddresses `yaml:"contracts"`
	RelayerURL  string            `yaml:"relayer_url"`
	StorePath   string            `yaml:"store_path"`

	Confirmation struct {
		Timeout      time.Duration `yaml:"timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"confirmation"`

	Tracker struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"tracker"`

	Reporters struct {
		WebSocketURL string   `yaml:"websocket_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
	} `yaml:"reporters"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// LoadConfig reads path (optional) and a .env file from the working directory,
// then applies ZEROEX_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overrideWithEnv lets environment variables win over the file.
// Private keys belong in the environment, not in YAML.
func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("ZEROEX_NETWORK_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return invalidParam("ZEROEX_NETWORK_ID must be an integer, got %q", v)
		}
		cfg.NetworkID = NetworkID(id)
	}
	if v := os.Getenv("ZEROEX_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("ZEROEX_PRIVATE_KEYS"); v != "" {
		cfg.PrivateKeys = splitList(v)
	}
	if v := os.Getenv("ZEROEX_RELAYER_URL"); v != "" {
		cfg.RelayerURL = v
	}
	if v := os.Getenv("ZEROEX_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("ZEROEX_WS_REPORTER_URL"); v != "" {
		cfg.Reporters.WebSocketURL = v
	}
	if v := os.Getenv("ZEROEX_KAFKA_BROKERS"); v != "" {
		cfg.Reporters.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("ZEROEX_KAFKA_TOPIC"); v != "" {
		cfg.Reporters.KafkaTopic = v
	}
	if v := os.Getenv("ZEROEX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if _, ok := DefaultContractAddresses[c.NetworkID]; !ok {
		return invalidParam("network_id must be one of %v, got %d", SupportedNetworks, c.NetworkID)
	}
	if !hasAnyPrefix(c.RPCURL, "http://", "https://", "ws://", "wss://") && !strings.HasSuffix(c.RPCURL, ".ipc") {
		return invalidParam("invalid rpc_url: %q", c.RPCURL)
	}
	for i, key := range c.PrivateKeys {
		if len(strings.TrimPrefix(key, "0x")) != 64 {
			// never echo the key itself
			return invalidParam("private key #%d is not 32 bytes of hex", i)
		}
	}
	if _, err := c.ResolveContracts(); err != nil {
		return err
	}
	if c.RelayerURL != "" && !hasAnyPrefix(c.RelayerURL, "http://", "https://") {
		return invalidParam("invalid relayer_url: %q", c.RelayerURL)
	}
	if c.Reporters.WebSocketURL != "" && !hasAnyPrefix(c.Reporters.WebSocketURL, "ws://", "wss://") {
		return invalidParam("invalid reporters.websocket_url: %q", c.Reporters.WebSocketURL)
	}
	if len(c.Reporters.KafkaBrokers) > 0 && c.Reporters.KafkaTopic == "" {
		return invalidParam("reporters.kafka_topic is required when kafka_brokers is set")
	}
	if c.Confirmation.Timeout < 0 || c.Confirmation.PollInterval < 0 || c.Tracker.Interval < 0 {
		return invalidParam("durations must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return invalidParam("%v", err)
	}
	return nil
}

// ResolveContracts merges the configured overrides onto the network defaults
func (c *Config) ResolveContracts() (Contracts, error) {
	defaults, ok := DefaultContractAddresses[c.NetworkID]
	if !ok {
		return Contracts{}, invalidParam("no contract addresses for network %d", c.NetworkID)
	}

	var out Contracts
	fields := []struct {
		name     string
		override string
		fallback string
		dst      *common.Address
	}{
		{"exchange", c.Contracts.Exchange, defaults.Exchange, &out.Exchange},
		{"erc20_proxy", c.Contracts.ERC20Proxy, defaults.ERC20Proxy, &out.ERC20Proxy},
		{"erc721_proxy", c.Contracts.ERC721Proxy, defaults.ERC721Proxy, &out.ERC721Proxy},
		{"forwarder", c.Contracts.Forwarder, defaults.Forwarder, &out.Forwarder},
		{"weth", c.Contracts.WETH, defaults.WETH, &out.WETH},
		{"zrx", c.Contracts.ZRX, defaults.ZRX, &out.ZRX},
	}
	for _, f := range fields {
		v := f.fallback
		if f.override != "" {
			v = f.override
		}
		if !common.IsHexAddress(v) {
			return Contracts{}, invalidParam("contracts.%s is not a valid address: %q", f.name, v)
		}
		*f.dst = common.HexToAddress(v)
	}
	return out, nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
