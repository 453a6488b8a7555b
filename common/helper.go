package common

import (
	"context"
	"hash/fnv"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"form-courier/internal/config"
	"form-courier/internal/schedules"
	"form-courier/internal/store"
)

// Outbound HTTP timeouts so one hung site or engine call doesn't hold a worker slot indefinitely.
const (
	ConnectTimeout  = 10 * time.Second
	ResponseTimeout = 60 * time.Second
	TotalTimeout    = 120 * time.Second
)

// SelectFromPool returns one URL from pool (comma-separated) by hashing key.
// Each pod picks a deterministic proxy for multi-egress. An empty pool yields "".
func SelectFromPool(pool, key string) string {
	var valid []string
	for _, p := range strings.Split(strings.TrimSpace(pool), ",") {
		if p = strings.TrimSpace(p); p != "" {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return ""
	}
	if key == "" {
		key = "0"
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return valid[h.Sum32()%uint32(len(valid))]
}

// NewHTTPClient returns a client with explicit connect and response-header
// timeouts. proxyURL wins over pool; a pool entry is picked by hostname so
// replicas spread across proxies. The proxy actually used is returned.
func NewHTTPClient(proxyURL, pool, hostname string, log *zap.SugaredLogger) (*http.Client, string) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: ResponseTimeout,
	}
	if proxyURL == "" && pool != "" {
		proxyURL = SelectFromPool(pool, hostname)
		if proxyURL != "" {
			log.Infow("proxy selected from pool", "hostname", hostname, "proxy", proxyURL)
		}
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			log.Warnw("ignoring invalid proxy url", "proxy", proxyURL, "error", err)
			proxyURL = ""
		} else {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: transport, Timeout: TotalTimeout}, proxyURL
}

// InstanceID names this process in job records: the hostname (pod name) plus
// a short random suffix.
func InstanceID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return prefix + "-" + host + "-" + uuid.NewString()[:8]
}

// OpenJobStore builds the job store selected by cfg. The returned close
// function releases the backend.
func OpenJobStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*store.JobStore, func() error, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.JobStore == config.StoreMemory {
		log.Warnw("using in-memory job store; jobs are not shared between processes")
		return store.NewJobStore(store.NewMemoryBackend(), log), func() error { return nil }, nil
	}
	backend := store.NewRedisBackend(cfg.RedisAddr, cfg.RedisPrefix, cfg.JobTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		_ = backend.Close()
		return nil, nil, errors.Wrapf(err, "connect to redis at %s", cfg.RedisAddr)
	}
	return store.NewJobStore(backend, log), backend.Close, nil
}

// OpenScheduleBackend builds the schedule backend matching cfg.JobStore.
func OpenScheduleBackend(ctx context.Context, cfg *config.Config) (schedules.Backend, func() error, error) {
	if cfg.JobStore == config.StoreMemory {
		return schedules.NewMemoryBackend(), func() error { return nil }, nil
	}
	backend := schedules.NewRedisBackend(cfg.RedisAddr, cfg.RedisPrefix)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		_ = backend.Close()
		return nil, nil, errors.Wrapf(err, "connect to redis at %s", cfg.RedisAddr)
	}
	return backend, backend.Close, nil
}
