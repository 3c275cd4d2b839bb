// pkg/store/redis.go

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"AveCache/pkg/codec"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis layout:
//   rec:<dialog>_<item>  hash {c: codec, d: data, e: expires_at, n: notification_id}
//   expiring             zset of record keys scored by expires_at
//   notif:<dialog>       zset of items scored by notification_id
//   setting              format JSON
//   schema_version       version stamped by Init
const (
	expiringIndex = "expiring"
	settingKey    = "setting"
	schemaKey     = "schema_version"
	scanBatch     = 1000
)

type redisStore struct {
	conf   *Config
	rdb    *redis.Client
	tx     redis.Pipeliner
	codec  *codec.Codec
	closed bool
}

var _ Store = &redisStore{}

func init() {
	Register("redis", newRedisStore)
	Register("rediss", newRedisStore)
}

// newRedisStore returns a store using Redis. "redis://master,sentinel1,sentinel2/db"
// connects through Sentinel.
func newRedisStore(driver, addr string, conf *Config) (engine, error) {
	url := driver + "://" + addr
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %s", redactURI(url), err)
	}

	var rdb *redis.Client
	if strings.Contains(opt.Addr, ",") {
		var fopt redis.FailoverOptions
		ps := strings.Split(opt.Addr, ",")
		fopt.MasterName = ps[0]
		fopt.SentinelAddrs = ps[1:]
		for i, saddr := range fopt.SentinelAddrs {
			h, p, err := net.SplitHostPort(saddr)
			if err != nil {
				fopt.SentinelAddrs[i] = net.JoinHostPort(saddr, "26379")
			} else if p == "" {
				fopt.SentinelAddrs[i] = net.JoinHostPort(h, "26379")
			}
		}
		fopt.Username = opt.Username
		fopt.Password = opt.Password
		if fopt.Password == "" {
			fopt.Password = os.Getenv("REDIS_PASSWORD")
		}
		fopt.SentinelPassword = os.Getenv("SENTINEL_PASSWORD")
		fopt.DB = opt.DB
		fopt.TLSConfig = opt.TLSConfig
		fopt.MaxRetries = conf.Retries
		fopt.MinRetryBackoff = time.Millisecond * 100
		fopt.MaxRetryBackoff = time.Minute
		fopt.ReadTimeout = time.Second * 30
		fopt.WriteTimeout = time.Second * 5
		rdb = redis.NewFailoverClient(&fopt)
	} else {
		if opt.Password == "" {
			opt.Password = os.Getenv("REDIS_PASSWORD")
		}
		opt.MaxRetries = conf.Retries
		opt.MinRetryBackoff = time.Millisecond * 100
		opt.MaxRetryBackoff = time.Minute
		opt.ReadTimeout = time.Second * 30
		opt.WriteTimeout = time.Second * 5
		rdb = redis.NewClient(opt)
	}

	rm := &redisStore{conf: conf, rdb: rdb, codec: codec.Plain}
	if err := rm.checkServerConfig(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rm, nil
}

func (rm *redisStore) checkServerConfig() error {
	ctx := context.Background()
	start := time.Now()
	if err := rm.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %s", err)
	}
	logger.Debugf("Ping redis: %s", time.Since(start))
	policy, err := rm.rdb.ConfigGet(ctx, "maxmemory-policy").Result()
	if err != nil {
		logger.Debugf("get maxmemory-policy: %s", err)
		return nil
	}
	if p := policy["maxmemory-policy"]; p != "" && p != "noeviction" {
		logger.Warnf("maxmemory-policy is %q, evicted keys leave dangling index entries", p)
	}
	return nil
}

func (rm *redisStore) Name() string {
	return "redis"
}

func (rm *redisStore) setCodec(c *codec.Codec) {
	rm.codec = c
}

func (rm *redisStore) recordKey(key RecordKey) string {
	return "rec:" + key.String()
}

func (rm *redisStore) notifKey(dialog DialogID) string {
	return "notif:" + strconv.FormatInt(int64(dialog), 10)
}

func (rm *redisStore) check(ctx context.Context) error {
	if rm.closed {
		return ErrClosed
	}
	return ctx.Err()
}

type timeoutError interface {
	Timeout() bool
}

func shouldRetry(err error, retryOnFailure bool) bool {
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return true
	case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF):
		return retryOnFailure
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	if v, ok := err.(timeoutError); ok && v.Timeout() {
		return retryOnFailure
	}

	s := err.Error()
	if s == "ERR max number of clients reached" {
		return true
	}
	ps := strings.SplitN(s, " ", 3)
	switch ps[0] {
	case "LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MOVED", "ASK":
		return true
	case "ERR":
		if len(ps) > 1 {
			switch ps[1] {
			case "DISABLE", "NOWRITE", "NOREAD":
				return true
			}
		}
	}
	return false
}

func backoff(i int) {
	time.Sleep(time.Microsecond * 100 * time.Duration(rand.Int()%(i+1)))
}

// txn runs txf with keys watched, retrying when they change underneath.
func (rm *redisStore) txn(ctx context.Context, txf func(tx *redis.Tx) error, keys ...string) error {
	if err := checkWritable(rm.conf); err != nil {
		return err
	}
	var err error
	for i := 0; i < 50; i++ {
		err = rm.rdb.Watch(ctx, txf, keys...)
		if shouldRetry(err, false) {
			backoff(i)
			continue
		}
		return err
	}
	return err
}

// write queues fn on the open transaction, or runs it as its own MULTI/EXEC.
// Every write is idempotent so it is retried on connection failures.
func (rm *redisStore) write(ctx context.Context, op, key string, fn func(p redis.Pipeliner)) error {
	if err := checkWritable(rm.conf); err != nil {
		return err
	}
	if rm.tx != nil {
		fn(rm.tx)
		return nil
	}
	var err error
	for i := 0; i < 50; i++ {
		_, err = rm.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			fn(p)
			return nil
		})
		if shouldRetry(err, true) {
			backoff(i)
			continue
		}
		break
	}
	return storageError(op, key, err)
}

func (rm *redisStore) Init(ctx context.Context, version int) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	if err := checkWritable(rm.conf); err != nil {
		return err
	}
	if rm.tx != nil {
		return ErrTxInProgress
	}
	stored, err := rm.Version(ctx)
	if err != nil {
		return err
	}
	if stored == 0 {
		version = 0
	}
	if version > CurrentVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, CurrentVersion)
	}
	if version < VersionRecords {
		if err := rm.dropRecords(ctx); err != nil {
			return err
		}
	}
	if version < VersionNotificationIndex {
		if err := rm.rebuildNotificationIndex(ctx); err != nil {
			return storageError("init", "", err)
		}
	}
	return storageError("init", "", rm.rdb.Set(ctx, schemaKey, CurrentVersion, 0).Err())
}

// rebuildNotificationIndex fills the notif:<dialog> sets from the records.
func (rm *redisStore) rebuildNotificationIndex(ctx context.Context) error {
	keys, err := rm.collectKeys(ctx, "notif:*")
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := rm.rdb.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	recs, err := rm.collectKeys(ctx, "rec:*")
	if err != nil {
		return err
	}
	var indexed int
	for start := 0; start < len(recs); start += scanBatch {
		batch := recs[start:min(start+scanBatch, len(recs))]
		cmds, err := rm.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range batch {
				p.HGet(ctx, k, "n")
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = rm.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, cmd := range cmds {
				nid, err := cmd.(*redis.StringCmd).Int()
				if err != nil || nid == 0 {
					continue
				}
				key, err := ParseRecordKey(strings.TrimPrefix(batch[i], "rec:"))
				if err != nil {
					logger.Warnf("skip invalid record %s: %s", batch[i], err)
					continue
				}
				p.ZAdd(ctx, rm.notifKey(key.Dialog), redis.Z{Score: float64(nid), Member: int64(key.Item)})
				indexed++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	logger.Infof("Rebuilt notification index for %d records", indexed)
	return nil
}

func (rm *redisStore) Drop(ctx context.Context, version int) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	if version < VersionRecords {
		return nil
	}
	if err := checkWritable(rm.conf); err != nil {
		return err
	}
	if rm.tx != nil {
		return ErrTxInProgress
	}
	return rm.dropRecords(ctx)
}

func (rm *redisStore) dropRecords(ctx context.Context) error {
	for _, pattern := range []string{"rec:*", "notif:*"} {
		keys, err := rm.collectKeys(ctx, pattern)
		if err != nil {
			return storageError("drop", "", err)
		}
		for start := 0; start < len(keys); start += scanBatch {
			if err := rm.rdb.Del(ctx, keys[start:min(start+scanBatch, len(keys))]...).Err(); err != nil {
				return storageError("drop", "", err)
			}
		}
	}
	return storageError("drop", "", rm.rdb.Del(ctx, expiringIndex, schemaKey).Err())
}

func (rm *redisStore) Version(ctx context.Context) (int, error) {
	if err := rm.check(ctx); err != nil {
		return 0, err
	}
	v, err := rm.rdb.Get(ctx, schemaKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, storageError("version", "", err)
}

func (rm *redisStore) Load(ctx context.Context) (*Format, error) {
	if err := rm.check(ctx); err != nil {
		return nil, err
	}
	return rm.load(ctx, rm.rdb)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (rm *redisStore) load(ctx context.Context, c getter) (*Format, error) {
	body, err := c.Get(ctx, settingKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFormatted
	}
	if err != nil {
		return nil, storageError("load", settingKey, err)
	}
	var f Format
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	return &f, nil
}

func (rm *redisStore) SaveFormat(ctx context.Context, format Format, force bool) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	if rm.tx != nil {
		return ErrTxInProgress
	}
	err := rm.txn(ctx, func(tx *redis.Tx) error {
		old, err := rm.load(ctx, tx)
		if err != nil && !errors.Is(err, ErrNotFormatted) {
			return err
		}
		if err := mergeFormat(old, &format, force); err != nil {
			return err
		}
		data, err := json.MarshalIndent(format, "", "")
		if err != nil {
			return fmt.Errorf("json: %s", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, settingKey, data, 0)
			return nil
		})
		return err
	}, settingKey)
	if err != nil {
		return err
	}
	c, err := newCodec(ctx, rm, rm.conf)
	if err != nil {
		return err
	}
	rm.codec = c
	return nil
}

func (rm *redisStore) Put(ctx context.Context, rec Record) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	key := rec.Key.String()
	id, blob, err := rm.codec.Encode(rec.Data)
	if err != nil {
		return storageError("put", key, err)
	}
	rk := rm.recordKey(rec.Key)
	return rm.write(ctx, "put", key, func(p redis.Pipeliner) {
		p.HSet(ctx, rk, "c", int(id), "d", blob, "e", rec.ExpiresAt, "n", int32(rec.NotificationID))
		if rec.ExpiresAt != 0 {
			p.ZAdd(ctx, expiringIndex, redis.Z{Score: float64(rec.ExpiresAt), Member: key})
		} else {
			p.ZRem(ctx, expiringIndex, key)
		}
		nk := rm.notifKey(rec.Key.Dialog)
		if rec.NotificationID != 0 {
			p.ZAdd(ctx, nk, redis.Z{Score: float64(rec.NotificationID), Member: int64(rec.Key.Item)})
		} else {
			p.ZRem(ctx, nk, int64(rec.Key.Item))
		}
	})
}

func (rm *redisStore) Delete(ctx context.Context, key RecordKey) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	return rm.write(ctx, "delete", key.String(), func(p redis.Pipeliner) {
		p.Del(ctx, rm.recordKey(key))
		p.ZRem(ctx, expiringIndex, key.String())
		p.ZRem(ctx, rm.notifKey(key.Dialog), int64(key.Item))
	})
}

func (rm *redisStore) decode(vals []interface{}) ([]byte, bool, error) {
	c, ok1 := vals[0].(string)
	d, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, false, nil
	}
	id, err := strconv.Atoi(c)
	if err != nil {
		return nil, true, fmt.Errorf("invalid codec %q", c)
	}
	data, err := rm.codec.Decode(uint8(id), []byte(d))
	return data, true, err
}

func (rm *redisStore) Get(ctx context.Context, key RecordKey) ([]byte, error) {
	if err := rm.check(ctx); err != nil {
		return nil, err
	}
	vals, err := rm.rdb.HMGet(ctx, rm.recordKey(key), "c", "d").Result()
	if err != nil {
		return nil, storageError("get", key.String(), err)
	}
	data, found, err := rm.decode(vals)
	if err != nil {
		return nil, storageError("get", key.String(), err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return data, nil
}

func (rm *redisStore) GetExpiring(ctx context.Context, expiresBefore int32, limit int) ([][]byte, error) {
	if err := rm.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	members, err := rm.rdb.ZRangeByScore(ctx, expiringIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(int64(expiresBefore), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storageError("get expiring", "", err)
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = "rec:" + m
	}
	return rm.loadPayloads(ctx, "get expiring", keys)
}

func (rm *redisStore) GetFromNotificationID(ctx context.Context, dialog DialogID, from NotificationID, limit int) ([][]byte, error) {
	if err := rm.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	items, err := rm.rdb.ZRevRangeByScore(ctx, rm.notifKey(dialog), &redis.ZRangeBy{
		Max:   "(" + strconv.FormatInt(int64(from), 10),
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storageError("get from notification", "", err)
	}
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = "rec:" + strconv.FormatInt(int64(dialog), 10) + "_" + item
	}
	return rm.loadPayloads(ctx, "get from notification", keys)
}

// loadPayloads reads the records in order, skipping index entries whose record is gone.
func (rm *redisStore) loadPayloads(ctx context.Context, op string, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds, err := rm.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.HMGet(ctx, k, "c", "d")
		}
		return nil
	})
	if err != nil {
		return nil, storageError(op, "", err)
	}
	res := make([][]byte, 0, len(keys))
	for i, cmd := range cmds {
		data, found, err := rm.decode(cmd.(*redis.SliceCmd).Val())
		if err != nil {
			return nil, storageError(op, keys[i], err)
		}
		if !found {
			logger.Debugf("skip dangling index entry %s", keys[i])
			continue
		}
		res = append(res, data)
	}
	return res, nil
}

// BeginTransaction queues the following writes on a MULTI pipeline. Reads keep
// going to the server, so they do not see the queued writes.
func (rm *redisStore) BeginTransaction(ctx context.Context) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	if err := checkWritable(rm.conf); err != nil {
		return err
	}
	if rm.tx != nil {
		return ErrTxInProgress
	}
	rm.tx = rm.rdb.TxPipeline()
	return nil
}

func (rm *redisStore) CommitTransaction() error {
	if rm.tx == nil {
		return ErrNoTransaction
	}
	tx := rm.tx
	rm.tx = nil
	if tx.Len() == 0 {
		return nil
	}
	_, err := tx.Exec(context.Background())
	return storageError("commit", "", err)
}

func (rm *redisStore) RollbackTransaction() error {
	if rm.tx == nil {
		return ErrNoTransaction
	}
	rm.tx.Discard()
	rm.tx = nil
	return nil
}

func (rm *redisStore) Flush(ctx context.Context) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	if rm.tx != nil {
		return ErrTxInProgress
	}
	err := rm.rdb.BgSave(ctx).Err()
	if err != nil && strings.Contains(err.Error(), "in progress") {
		logger.Debugf("bgsave: %s", err)
		return nil
	}
	return storageError("flush", "", err)
}

// collectKeys returns the sorted keys matching pattern; SCAN may repeat keys.
func (rm *redisStore) collectKeys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := rm.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (rm *redisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := rm.check(ctx); err != nil {
		return st, err
	}
	keys, err := rm.collectKeys(ctx, "rec:*")
	if err != nil {
		return st, storageError("stats", "", err)
	}
	for start := 0; start < len(keys); start += scanBatch {
		batch := keys[start:min(start+scanBatch, len(keys))]
		cmds, err := rm.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range batch {
				p.Do(ctx, "HSTRLEN", k, "d")
			}
			return nil
		})
		if err != nil {
			return st, storageError("stats", "", err)
		}
		for _, cmd := range cmds {
			n, err := cmd.(*redis.Cmd).Int64()
			if err != nil {
				return st, storageError("stats", "", err)
			}
			st.Bytes += n
		}
	}
	st.Records = int64(len(keys))
	return st, nil
}

func (rm *redisStore) Dump(ctx context.Context, w io.Writer, progress func()) error {
	if err := rm.check(ctx); err != nil {
		return err
	}
	keys, err := rm.collectKeys(ctx, "rec:*")
	if err != nil {
		return storageError("dump", "", err)
	}
	recs := make([]RecordKey, 0, len(keys))
	for _, k := range keys {
		key, err := ParseRecordKey(strings.TrimPrefix(k, "rec:"))
		if err != nil {
			logger.Warnf("skip invalid record %s: %s", k, err)
			continue
		}
		recs = append(recs, key)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Dialog != recs[j].Dialog {
			return recs[i].Dialog < recs[j].Dialog
		}
		return recs[i].Item < recs[j].Item
	})
	enc := json.NewEncoder(w)
	for start := 0; start < len(recs); start += scanBatch {
		batch := recs[start:min(start+scanBatch, len(recs))]
		cmds, err := rm.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, key := range batch {
				p.HMGet(ctx, rm.recordKey(key), "c", "d", "e", "n")
			}
			return nil
		})
		if err != nil {
			return storageError("dump", "", err)
		}
		for i, cmd := range cmds {
			vals := cmd.(*redis.SliceCmd).Val()
			data, found, err := rm.decode(vals)
			if err != nil {
				return storageError("dump", batch[i].String(), err)
			}
			if !found {
				continue
			}
			rec := Record{Key: batch[i], Data: data}
			if e, ok := vals[2].(string); ok {
				v, _ := strconv.ParseInt(e, 10, 32)
				rec.ExpiresAt = int32(v)
			}
			if n, ok := vals[3].(string); ok {
				v, _ := strconv.ParseInt(n, 10, 32)
				rec.NotificationID = NotificationID(v)
			}
			if err := enc.Encode(&rec); err != nil {
				return err
			}
			if progress != nil {
				progress()
			}
		}
	}
	return nil
}

func (rm *redisStore) Close() error {
	if rm.closed {
		return nil
	}
	rm.closed = true
	if rm.tx != nil {
		logger.Warnf("close redis store with an open transaction, discard it")
		rm.tx.Discard()
		rm.tx = nil
	}
	return rm.rdb.Close()
}
