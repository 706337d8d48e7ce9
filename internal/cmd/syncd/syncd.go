// Package syncd parses sync command flags and composes the realtime
// transport entrypoint.
package syncd

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/openmutual/realtime/internal/platform/cmd"
	server "github.com/openmutual/realtime/internal/services/sync/app"
)

// Config holds sync command configuration.
type Config struct {
	HTTPAddr           string        `env:"OPENMUTUAL_SYNC_HTTP_ADDR"       envDefault:":8090"`
	DBPath             string        `env:"OPENMUTUAL_SYNC_DB_PATH"         envDefault:"sync.db"`
	NATSURL            string        `env:"OPENMUTUAL_SYNC_NATS_URL"`
	InstanceID         string        `env:"OPENMUTUAL_SYNC_INSTANCE_ID"`
	ChannelTokenSecret string        `env:"OPENMUTUAL_SYNC_CHANNEL_TOKEN_SECRET"`
	HeartbeatInterval  time.Duration `env:"OPENMUTUAL_SYNC_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatDeadline  time.Duration `env:"OPENMUTUAL_SYNC_HEARTBEAT_DEADLINE" envDefault:"5s"`
	PresenceTTL        time.Duration `env:"OPENMUTUAL_SYNC_PRESENCE_TTL"       envDefault:"90s"`
	BatchSize          int           `env:"OPENMUTUAL_SYNC_BATCH_SIZE"         envDefault:"50"`
	BatchFlushInterval time.Duration `env:"OPENMUTUAL_SYNC_BATCH_FLUSH"        envDefault:"1s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS broker URL for cross-instance fan-out")
	fs.StringVar(&cfg.InstanceID, "instance-id", cfg.InstanceID, "stable instance identifier")
	fs.StringVar(&cfg.ChannelTokenSecret, "channel-token-secret", cfg.ChannelTokenSecret, "HS256 secret verifying channel tokens")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync app and serves the realtime surface.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:           cfg.HTTPAddr,
			DBPath:             cfg.DBPath,
			NATSURL:            cfg.NATSURL,
			InstanceID:         cfg.InstanceID,
			ChannelTokenSecret: cfg.ChannelTokenSecret,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			HeartbeatDeadline:  cfg.HeartbeatDeadline,
			PresenceTTL:        cfg.PresenceTTL,
			BatchSize:          cfg.BatchSize,
			BatchFlushInterval: cfg.BatchFlushInterval,
		}); err != nil {
			return fmt.Errorf("serve sync: %w", err)
		}
		return nil
	})
}
