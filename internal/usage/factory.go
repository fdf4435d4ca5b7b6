package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelgate/modelgate/internal/clock"
	"github.com/modelgate/modelgate/internal/recordstore"
)

// Options selects and configures a Store backend.
type Options struct {
	Strategy string // "memory", "remote", "redis" or "sqlite"
	Label    string

	FlushInterval time.Duration

	// remote
	Record           recordstore.Config
	RecordCollection string

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// sqlite
	SQLiteDSN string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Build constructs the usage store named by opts.Strategy. An empty strategy
// selects the in-memory store.
func Build(ctx context.Context, opts Options) (Store, error) {
	switch opts.Strategy {
	case "", "memory":
		return NewMemory(opts.Clock), nil
	case "remote":
		if opts.Record.BaseURL == "" {
			return nil, fmt.Errorf("usage strategy %q requires a record store URL", opts.Strategy)
		}
		client := recordstore.New(opts.Record)
		return NewRemote(ctx, client, opts.RecordCollection, opts.Label, opts.FlushInterval, opts.Clock, opts.Logger), nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("usage strategy %q requires a redis address", opts.Strategy)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		return NewRedis(ctx, rdb, opts.Label, opts.FlushInterval, opts.Clock, opts.Logger), nil
	case "sqlite":
		if opts.SQLiteDSN == "" {
			return nil, fmt.Errorf("usage strategy %q requires a sqlite DSN", opts.Strategy)
		}
		return NewSQLite(ctx, opts.SQLiteDSN, opts.Label, opts.FlushInterval, opts.Clock, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown usage strategy: %s", opts.Strategy)
	}
}
