// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for
	// all parameters will be used instead.
	defaultConfig = "/etc/znsftl/config.toml"
)

var Cfg Config

// Configuration structure for the daemon. We use toml format for
// file-based configuration and also all configuration options can be
// overridden by environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Name        string `toml:"name" env:"ZNSFTL_NAME" env-default:"/dev/znsftl0" env-description:"Device name, shown only in the startup log; each transport takes its own path or socket option."`
	LogZones    uint64 `toml:"log_zones" env:"ZNSFTL_LOGZONES" env-default:"4" env-description:"Number of zones reserved for the log region (L)."`
	GCWatermark uint64 `toml:"gc_wmark" env:"ZNSFTL_GCWMARK" env-default:"1" env-description:"Free-log-zone count at or below which GC is triggered."`
	ForceReset  bool   `toml:"force_reset" env:"ZNSFTL_FORCERESET" env-default:"false" env-description:"Reset all zones at init and skip checkpoint restore."`
	Socket      string `toml:"socket" env:"ZNSFTL_SOCKET" env-default:"/run/znsftl.sock" env-description:"Unix-domain socket serving the block-device protocol."`

	SkipCheckpoint bool `toml:"skip_checkpoint" env:"ZNSFTL_SKIP" env-description:"Skip restoring from and creating a checkpoint." env-default:"false"`
	Profiler       bool `toml:"profiler" env:"ZNSFTL_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort   int  `toml:"profiler_port" env:"ZNSFTL_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`

	Transport struct {
		Kind string `toml:"kind" env:"ZNSFTL_TRANSPORT_KIND" env-default:"simulated" env-description:"Namespace backend: simulated, nbd, s3 or null."`

		Simulated struct {
			Path          string `toml:"path" env:"ZNSFTL_SIM_PATH" env-default:"" env-description:"Backing file for the simulated namespace. Empty means an anonymous temp file removed on close."`
			NumZones      uint64 `toml:"num_zones" env:"ZNSFTL_SIM_ZONES" env-default:"16" env-description:"Zone count for the simulated namespace."`
			BlocksPerZone uint64 `toml:"blocks_per_zone" env:"ZNSFTL_SIM_BLOCKSPERZONE" env-default:"256" env-description:"Blocks per zone for the simulated namespace."`
			LBASize       uint32 `toml:"lba_size" env:"ZNSFTL_SIM_LBASIZE" env-default:"4096" env-description:"LBA size in bytes for the simulated namespace."`
			MDTS          uint64 `toml:"mdts" env:"ZNSFTL_SIM_MDTS" env-default:"262144" env-description:"Maximum data transfer size in bytes."`
		} `toml:"simulated"`

		NBD struct {
			UnixSocket    string `toml:"unix_socket" env:"ZNSFTL_NBD_SOCKET" env-default:"/tmp/znsftl-nbd.sock" env-description:"Unix socket of the remote NBD export."`
			BlocksPerZone uint64 `toml:"blocks_per_zone" env:"ZNSFTL_NBD_BLOCKSPERZONE" env-default:"256" env-description:"Blocks per zone, since plain NBD carries no zone metadata."`
			NumZones      uint64 `toml:"num_zones" env:"ZNSFTL_NBD_ZONES" env-default:"16" env-description:"Zone count, since plain NBD carries no zone metadata."`
			LBASize       uint32 `toml:"lba_size" env:"ZNSFTL_NBD_LBASIZE" env-default:"4096" env-description:"LBA size in bytes."`
			MDTS          uint64 `toml:"mdts" env:"ZNSFTL_NBD_MDTS" env-default:"262144" env-description:"Maximum data transfer size in bytes."`
		} `toml:"nbd"`

		S3 struct {
			Bucket        string `toml:"bucket" env:"ZNSFTL_S3_BUCKET" env-description:"S3 bucket name." env-default:"znsftl"`
			Remote        string `toml:"remote" env:"ZNSFTL_S3_REMOTE" env-description:"S3 remote endpoint. Empty string for the AWS S3 endpoint." env-default:""`
			Region        string `toml:"region" env:"ZNSFTL_S3_REGION" env-description:"S3 region." env-default:"us-east-1"`
			AccessKey     string `toml:"access_key" env:"ZNSFTL_S3_ACCESSKEY" env-description:"S3 access key." env-default:""`
			SecretKey     string `toml:"secret_key" env:"ZNSFTL_S3_SECRETKEY" env-description:"S3 secret key." env-default:""`
			NumZones      uint64 `toml:"num_zones" env:"ZNSFTL_S3_ZONES" env-default:"16" env-description:"Zone count, since S3 carries no zone metadata."`
			BlocksPerZone uint64 `toml:"blocks_per_zone" env:"ZNSFTL_S3_BLOCKSPERZONE" env-default:"256" env-description:"Blocks per zone, since S3 carries no zone metadata."`
			LBASize       uint32 `toml:"lba_size" env:"ZNSFTL_S3_LBASIZE" env-default:"4096" env-description:"LBA size in bytes."`
			MDTS          uint64 `toml:"mdts" env:"ZNSFTL_S3_MDTS" env-default:"262144" env-description:"Maximum data transfer size in bytes."`
		} `toml:"s3"`
	} `toml:"transport"`

	Daemon struct {
		Workers int `toml:"workers" env:"ZNSFTL_DAEMON_WORKERS" env-default:"8" env-description:"Size of the worker pool serving the block-device protocol."`
	} `toml:"daemon"`

	Log struct {
		Level  int  `toml:"level" env:"ZNSFTL_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"ZNSFTL_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment
// variables have the highest priority. It is perfectly fine to use just
// one of these or to combine them.
func Configure() error {
	flagSetup()
	return parse()
}

// Parse the configuration file and read the environment variables,
// falling back to environment-only parsing when no file is present.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("znsftl", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
