package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Configuration keys. Flag names are identical to the keys, environment
// variables use the RBROKER_ prefix with dots and dashes turned into
// underscores (RBROKER_STARTUP_NAME, RBROKER_LOGGING_LOG_FOLDER, ...).
const (
	KeyURLs               = "urls"
	KeyStartupName        = "startup.name"
	KeyURLsPipe           = "startup.write-server-urls-to-pipe"
	KeyParentPID          = "lifetime.parent-pid"
	KeySecret             = "security.secret"
	KeyLogFolder          = "logging.log-folder"
	KeyLogHostOutput      = "logging.log-host-output"
	KeyLogPackets         = "logging.log-packets"
	KeyJournalPath        = "journal.path"
	KeyHostBaseDir        = "host.base-dir"
	KeyInterpreters       = "interpreters"
	envPrefix             = "RBROKER"
	configPathEnvVariable = "RBROKER_CONFIG_PATH"
	defaultURLs           = "http://127.0.0.1:5118"
)

// Broker is the resolved configuration of one `rbroker serve` process.
type Broker struct {
	URLs          string
	Name          string
	URLsPipe      string
	ParentPID     int
	Secret        string
	LogFolder     string
	LogHostOutput bool
	LogPackets    bool
	JournalPath   string
	HostBaseDir   string
	// Interpreters maps interpreter id to its install directory (R_HOME).
	Interpreters map[string]string
}

// Dir returns the base directory for rbroker files.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".rbroker")
	}
	return filepath.Join(home, ".rbroker")
}

// DefaultJournalPath returns the SQLite journal path used when none is configured.
func DefaultJournalPath() string {
	return filepath.Join(Dir(), "sessions.db")
}

// DefaultLogFolder returns the folder host and broker logs go to by default.
func DefaultLogFolder() string {
	return filepath.Join(Dir(), "logs")
}

// DefaultHostBaseDir is the directory holding the Host/ layout, which ships
// next to the broker executable.
func DefaultHostBaseDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// New returns a viper instance with defaults, environment binding and the
// optional config file applied.
// Priority: flag > RBROKER_* env var > config file > default.
func New() (*viper.Viper, error) {
	cfg := viper.New()
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	cfg.AutomaticEnv()

	cfg.SetDefault(KeyURLs, defaultURLs)
	cfg.SetDefault(KeyLogFolder, DefaultLogFolder())
	cfg.SetDefault(KeyJournalPath, DefaultJournalPath())
	cfg.SetDefault(KeyHostBaseDir, DefaultHostBaseDir())

	if err := readConfigFile(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(cfg *viper.Viper) error {
	if path := os.Getenv(configPathEnvVariable); path != "" {
		cfg.SetConfigFile(path)
		if err := cfg.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}

	cfg.SetConfigName("config")
	cfg.AddConfigPath(Dir())
	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

// RegisterFlags declares the broker flags on fs. Bind them with BindFlags
// after cobra has created the flag set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(KeyURLs, defaultURLs, "listen URL; port 0 picks a free port")
	fs.String(KeyStartupName, "", "broker instance name")
	fs.String(KeyURLsPipe, "", "one-shot channel to announce the listen URL on")
	fs.Int(KeyParentPID, 0, "exit when this process exits")
	fs.String(KeySecret, "", "password clients must present (Basic auth)")
	fs.String(KeyLogFolder, DefaultLogFolder(), "folder for broker and host logs")
	fs.Bool(KeyLogHostOutput, false, "log host stderr")
	fs.Bool(KeyLogPackets, false, "log every pipe message")
	fs.String(KeyJournalPath, DefaultJournalPath(), "SQLite session journal")
	fs.String(KeyHostBaseDir, DefaultHostBaseDir(), "directory containing the Host/ layout")
	fs.StringSlice(KeyInterpreters, nil, "interpreter as id=R_HOME (repeatable)")
}

// BindFlags makes every flag registered on fs a viper override.
func BindFlags(cfg *viper.Viper, fs *pflag.FlagSet) error {
	return cfg.BindPFlags(fs)
}

// Load resolves the broker configuration from cfg.
func Load(cfg *viper.Viper) (Broker, error) {
	interpreters, err := parseInterpreters(cfg.Get(KeyInterpreters))
	if err != nil {
		return Broker{}, err
	}

	b := Broker{
		URLs:          cfg.GetString(KeyURLs),
		Name:          cfg.GetString(KeyStartupName),
		URLsPipe:      cfg.GetString(KeyURLsPipe),
		ParentPID:     cfg.GetInt(KeyParentPID),
		Secret:        cfg.GetString(KeySecret),
		LogFolder:     cfg.GetString(KeyLogFolder),
		LogHostOutput: cfg.GetBool(KeyLogHostOutput),
		LogPackets:    cfg.GetBool(KeyLogPackets),
		JournalPath:   cfg.GetString(KeyJournalPath),
		HostBaseDir:   cfg.GetString(KeyHostBaseDir),
		Interpreters:  interpreters,
	}
	if b.URLs == "" {
		return Broker{}, errors.New("urls is empty")
	}
	if b.Name == "" {
		b.Name = "rbroker"
	}
	return b, nil
}

// parseInterpreters accepts the shapes viper can hand back for the key: a
// map from the config file, a string slice from the flag, or a comma
// separated string from the environment.
func parseInterpreters(raw interface{}) (map[string]string, error) {
	out := make(map[string]string)
	switch v := raw.(type) {
	case nil:
	case map[string]interface{}:
		for id, path := range v {
			s, ok := path.(string)
			if !ok {
				return nil, fmt.Errorf("interpreter %q: path must be a string", id)
			}
			out[id] = s
		}
	case map[string]string:
		for id, path := range v {
			out[id] = path
		}
	case []string:
		for _, entry := range v {
			if err := addInterpreterPair(out, entry); err != nil {
				return nil, err
			}
		}
	case []interface{}:
		for _, entry := range v {
			if err := addInterpreterPair(out, fmt.Sprint(entry)); err != nil {
				return nil, err
			}
		}
	case string:
		if strings.TrimSpace(v) == "" {
			break
		}
		for _, entry := range strings.Split(v, ",") {
			if err := addInterpreterPair(out, entry); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("interpreters: unsupported value %T", raw)
	}
	return out, nil
}

func addInterpreterPair(out map[string]string, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	id, path, ok := strings.Cut(entry, "=")
	if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(path) == "" {
		return fmt.Errorf("interpreter %q: expected id=path", entry)
	}
	out[strings.TrimSpace(id)] = strings.TrimSpace(path)
	return nil
}

// InterpreterIDs returns the configured interpreter ids in stable order.
func (b Broker) InterpreterIDs() []string {
	ids := make([]string, 0, len(b.Interpreters))
	for id := range b.Interpreters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
