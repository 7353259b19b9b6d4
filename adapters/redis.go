package adapters

import (
	"crypto/tls"
	"os"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(opts RedisOptions) *redis.Client {
	options := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}

	if os.Getenv("REDIS_SCHEME") == "tls" {
		options.TLSConfig = &tls.Config{}
	}

	return redis.NewClient(options)
}
