package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

var cfgMover Mover

const (
	TaskDBMem     = "mem"
	TaskDBEtcd    = "etcd"
	TaskDBMongoDB = "mongodb"
)

// LocalDataCfg describes the connection to the shard-local PostgreSQL
// instance holding the sharded relations themselves.
type LocalDataCfg struct {
	Host     string `json:"host" toml:"host" yaml:"host"`
	Port     string `json:"port" toml:"port" yaml:"port"`
	User     string `json:"user" toml:"user" yaml:"user"`
	Password string `json:"password" toml:"password" yaml:"password"`
	DBName   string `json:"dbname" toml:"dbname" yaml:"dbname"`
}

// RelationCfg binds a sharded namespace to its collection id epoch and to
// the local table carrying the data.
type RelationCfg struct {
	CollectionID string `json:"collection_id" toml:"collection_id" yaml:"collection_id"`
	Table        string `json:"table" toml:"table" yaml:"table"`
	KeyColumn    string `json:"key_column" toml:"key_column" yaml:"key_column"`
}

type Mover struct {
	LogLevel      string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFileName   string `json:"log_file_name" toml:"log_file_name" yaml:"log_file_name"`
	PrettyLogging bool   `json:"pretty_logging" toml:"pretty_logging" yaml:"pretty_logging"`

	Host      string `json:"host" toml:"host" yaml:"host"`
	APIPort   string `json:"api_port" toml:"api_port" yaml:"api_port"`
	ReusePort bool   `json:"reuse_port" toml:"reuse_port" yaml:"reuse_port"`

	// ShardID is the identity of the shard this mover serves. Peer movers
	// are addressed through the Shards map, shard id to host:port.
	ShardID string            `json:"shard_id" toml:"shard_id" yaml:"shard_id"`
	Shards  map[string]string `json:"shards" toml:"shards" yaml:"shards"`

	TaskDB          string `json:"task_db" toml:"task_db" yaml:"task_db"`
	MemDBBackupPath string `json:"memdb_backup_path" toml:"memdb_backup_path" yaml:"memdb_backup_path"`
	EtcdAddr        string `json:"etcd_addr" toml:"etcd_addr" yaml:"etcd_addr"`
	MongoURI        string `json:"mongo_uri" toml:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase   string `json:"mongo_database" toml:"mongo_database" yaml:"mongo_database"`

	LocalData *LocalDataCfg           `json:"local_data" toml:"local_data" yaml:"local_data"`
	Relations map[string]*RelationCfg `json:"relations" toml:"relations" yaml:"relations"`

	CleanupBatchSize    int           `json:"cleanup_batch_size" toml:"cleanup_batch_size" yaml:"cleanup_batch_size"`
	MaxCleanupWorkers   int64         `json:"max_cleanup_workers" toml:"max_cleanup_workers" yaml:"max_cleanup_workers"`
	DelayedCleanupGrace time.Duration `json:"delayed_cleanup_grace" toml:"delayed_cleanup_grace" yaml:"delayed_cleanup_grace"`
	SweepDelay          time.Duration `json:"sweep_delay" toml:"sweep_delay" yaml:"sweep_delay"`
	RemoteRetries       uint64        `json:"remote_retries" toml:"remote_retries" yaml:"remote_retries"`

	TimeQuantiles []float64 `json:"time_quantiles" toml:"time_quantiles" yaml:"time_quantiles"`
}

// LoadMoverCfg loads the mover configuration from the specified file path.
//
// Parameters:
//   - cfgPath (string): The path of the configuration file.
//
// Returns:
//   - string: JSON-formatted config
//   - error: An error if any occurred during the loading process.
func LoadMoverCfg(cfgPath string) (string, error) {
	var mcfg Mover
	file, err := os.Open(cfgPath)
	if err != nil {
		return "", err
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			log.Fatalf("failed to close config file: %v", err)
		}
	}(file)

	if err := initConfig(file, &mcfg); err != nil {
		return "", err
	}
	applyDefaults(&mcfg)
	cfgMover = mcfg

	configBytes, err := json.MarshalIndent(&cfgMover, "", "  ")
	if err != nil {
		return "", err
	}

	return string(configBytes), nil
}

func applyDefaults(cfg *Mover) {
	if cfg.TaskDB == "" {
		cfg.TaskDB = TaskDBMem
	}
	if cfg.CleanupBatchSize == 0 {
		cfg.CleanupBatchSize = 128
	}
	if cfg.MaxCleanupWorkers == 0 {
		cfg.MaxCleanupWorkers = 4
	}
	if cfg.DelayedCleanupGrace == 0 {
		cfg.DelayedCleanupGrace = 15 * time.Minute
	}
	if cfg.SweepDelay == 0 {
		cfg.SweepDelay = 5 * time.Second
	}
	if cfg.RemoteRetries == 0 {
		cfg.RemoteRetries = 7
	}
}

// MoverConfig returns a pointer to the Mover configuration.
//
// Returns:
//   - *Mover: a pointer to the Mover configuration.
func MoverConfig() *Mover {
	return &cfgMover
}
