package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/stream"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// Source loads attachments, implemented by *Store.
type Source interface {
	Attachment(ctx context.Context, id int64) (stream.Attachment, error)
}

// KV is the subset of *redis.Client the Cache uses.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CacheMetrics is implemented by the metrics package.
type CacheMetrics interface {
	IncAttachmentCache(result string)
}

type CacheOptions struct {
	Logger  log.Logger
	Metrics CacheMetrics

	// Database namespaces keys when several databases share one Redis
	Database string
	TTL      time.Duration // default: 5m
	// MaxInline skips caching rows whose inline data is larger, default: 256KiB
	MaxInline int
}

// Cache is a read-through attachment cache. There is no request
// coalescing, concurrent misses for one id each reach the source.
type Cache struct {
	src  Source
	kv   KV
	opts CacheOptions
}

func NewCache(src Source, kv KV, opts CacheOptions) *Cache {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxInline <= 0 {
		opts.MaxInline = 256 << 10
	}
	return &Cache{src: src, kv: kv, opts: opts}
}

// NewRedisClient connects to Redis and checks the connection with a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Wrapf(err, "ping redis %s", addr)
	}
	return rdb, nil
}

// cachedAttachment is the stored JSON form
type cachedAttachment struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name,omitempty"`
	MimeType   string    `json:"mimetype,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	StoreFname string    `json:"store_fname,omitempty"`
	DBData     []byte    `json:"db_datas,omitempty"`
	URL        string    `json:"url,omitempty"`
	UpdatedAt  time.Time `json:"write_date"`
}

func (c *Cache) key(id int64) string {
	return "filestream:attachment:" + c.opts.Database + ":" + strconv.FormatInt(id, 10)
}

// Attachment returns the cached row or loads it from the source.
func (c *Cache) Attachment(ctx context.Context, id int64) (stream.Attachment, error) {
	key := c.key(id)

	b, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ca cachedAttachment
		if jerr := json.Unmarshal(b, &ca); jerr == nil {
			c.observe("hit")
			return stream.Attachment(ca), nil
		}
		c.opts.Logger.Warn(ctx, "discarding undecodable cache entry", "key", key)
		c.observe("error")
	case errors.Is(err, redis.Nil):
		c.observe("miss")
	default:
		c.opts.Logger.Warn(ctx, "attachment cache read failed, using database", "key", key, "err", err)
		c.observe("error")
	}

	att, err := c.src.Attachment(ctx, id)
	if err != nil {
		return stream.Attachment{}, err
	}

	if len(att.DBData) > c.opts.MaxInline {
		return att, nil
	}
	payload, err := json.Marshal(cachedAttachment(att))
	if err != nil {
		c.opts.Logger.Warn(ctx, "encode attachment cache entry", "key", key, "err", err)
		return att, nil
	}
	if err := c.kv.Set(ctx, key, payload, c.opts.TTL).Err(); err != nil {
		c.opts.Logger.Warn(ctx, "attachment cache write failed", "key", key, "err", err)
	}
	return att, nil
}

func (c *Cache) observe(result string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.IncAttachmentCache(result)
	}
}
