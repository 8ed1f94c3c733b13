package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"snapfuzz/internal/cpuset"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	ModeLauncher = "launcher"
	ModeSingle   = "single"
	ModeWorker   = "worker"
)

var (
	ErrMissingSnapshotName = errors.New("SNAP_NAME environment variable is required")
	ErrInvalidFuzzSize     = errors.New("FUZZ_SIZE must be a positive integer")
	ErrInvalidMode         = errors.New("unknown MODE")
)

type AppConfig struct {
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string
	MetricsAddr        string
	OtelEndpoint       string
	LogLevel           string
	ServiceName        string
	Mode               string

	Campaign CampaignConfig `yaml:"campaign"`
	Engine   EngineConfig   `yaml:"engine"`
	Worker   WorkerConfig   `yaml:"-"`
}

type CampaignConfig struct {
	BaselineSnapshot string        `yaml:"snapshot"`
	CoreSpec         string        `yaml:"cores"`
	Cores            []int         `yaml:"-"`
	Timeout          time.Duration `yaml:"timeout"`
	CorpusDirs       []string      `yaml:"corpus_dirs"`
	ObjectiveDir     string        `yaml:"objective_dir"`
	TokensFile       string        `yaml:"tokens_file"`
	MaxInputSize     int           `yaml:"max_input_size"`
	CoverageMapSize  int           `yaml:"coverage_map_size"`
	BrokerPort       int           `yaml:"broker_port"`
	StdoutFile       string        `yaml:"stdout_file"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
	ClientStaleAfter time.Duration `yaml:"client_stale_after"`
}

type EngineConfig struct {
	Binary       string        `yaml:"binary"`
	Args         []string      `yaml:"args"`
	Image        string        `yaml:"image"`
	Memory       string        `yaml:"memory"`
	Workdir      string        `yaml:"workdir"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// WorkerConfig is set by the launcher in the environment of each child.
type WorkerConfig struct {
	CoreID     int
	ClientID   string
	RunID      string
	BrokerAddr string
	// Trace is the launcher's exported campaign span.
	Trace string
}

// LoadConfig reads the configuration and exits the process when it is invalid.
func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	godotenv.Load()

	config, err := Load(os.LookupEnv)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	return config
}

// Load builds the configuration from lookup (os.LookupEnv in production) and the
// optional SNAPFUZZ_CONFIG YAML file.
func Load(lookup func(string) (string, bool)) (*AppConfig, error) {
	getenv := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	config := &AppConfig{
		DatabaseURL:        getenv("DATABASE_URL"),
		RabbitMQURL:        getenv("RABBITMQ_URL"),
		RedisSentinelHosts: getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    getenv("REDIS_MASTER"),
		RedisUrl:           getenv("REDIS_URL"),
		MetricsAddr:        getenv("METRICS_ADDR"),
		OtelEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:           getenv("LOG_LEVEL"),
		ServiceName:        getenv("SERVICE_NAME"),
		Mode:               orDefault(getenv("MODE"), ModeLauncher),
		Campaign: CampaignConfig{
			BaselineSnapshot: getenv("SNAP_NAME"),
			CoreSpec:         orDefault(getenv("CORES"), "0"),
			Timeout:          parseDuration(getenv("TIMEOUT"), 5*time.Second),
			CorpusDirs:       parseList(orDefault(getenv("CORPUS_DIR"), "./corpus")),
			ObjectiveDir:     orDefault(getenv("OBJECTIVE_DIR"), "./crashes"),
			TokensFile:       lookupDefault(lookup, "TOKENS_FILE", "./tokens/test.dict"),
			CoverageMapSize:  parseInt(getenv("COVERAGE_MAP_SIZE"), 65536),
			BrokerPort:       parseInt(getenv("BROKER_PORT"), 1337),
			StdoutFile:       orDefault(getenv("STDOUT_FILE"), "/tmp/fuzzer.txt"),
			StatsInterval:    parseDuration(getenv("STATS_INTERVAL"), 15*time.Second),
			ClientStaleAfter: parseDuration(getenv("CLIENT_STALE_AFTER"), time.Minute),
		},
		Engine: EngineConfig{
			Binary:       orDefault(getenv("QEMU_BINARY"), "qemu-system-x86_64"),
			Args:         strings.Fields(getenv("QEMU_ARGS")),
			Image:        getenv("QEMU_IMAGE"),
			Memory:       orDefault(getenv("QEMU_MEMORY"), "2G"),
			Workdir:      getenv("QEMU_WORKDIR"),
			StartTimeout: parseDuration(getenv("QEMU_START_TIMEOUT"), time.Minute),
		},
		Worker: WorkerConfig{
			CoreID:     parseInt(getenv("SNAPFUZZ_CORE_ID"), 0),
			ClientID:   getenv("SNAPFUZZ_CLIENT_ID"),
			RunID:      getenv("SNAPFUZZ_RUN_ID"),
			BrokerAddr: getenv("BROKER_ADDR"),
			Trace:      getenv("SNAPFUZZ_TRACE"),
		},
	}

	size, err := parseFuzzSize(getenv("FUZZ_SIZE"))
	if err != nil {
		return nil, err
	}
	config.Campaign.MaxInputSize = size

	if path := getenv("SNAPFUZZ_CONFIG"); path != "" {
		if err := overlayFile(config, path); err != nil {
			return nil, err
		}
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "snapfuzz" // Default service name
	}
	if config.Campaign.BaselineSnapshot == "" {
		return nil, ErrMissingSnapshotName
	}
	if config.Campaign.MaxInputSize <= 0 {
		return nil, ErrInvalidFuzzSize
	}
	switch config.Mode {
	case ModeLauncher, ModeSingle, ModeWorker:
	default:
		return nil, fmt.Errorf("%w %q", ErrInvalidMode, config.Mode)
	}

	cores, err := cpuset.Parse(config.Campaign.CoreSpec, runtime.NumCPU())
	if err != nil {
		return nil, fmt.Errorf("invalid CORES: %w", err)
	}
	config.Campaign.Cores = cores
	return config, nil
}

func overlayFile(config *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// parseFuzzSize rejects non-numeric values instead of falling back to the default.
func parseFuzzSize(val string) (int, error) {
	if val == "" {
		return 1024, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil || i <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFuzzSize, val)
	}
	return i, nil
}

func orDefault(val, defaultVal string) string {
	if val == "" {
		return defaultVal
	}
	return val
}

// lookupDefault returns defaultVal only when the variable is unset, so an explicit
// empty value disables the option.
func lookupDefault(lookup func(string) (string, bool), key, defaultVal string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return defaultVal
}

func parseList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
