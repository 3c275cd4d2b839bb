// pkg/store/store.go

// Package store keeps cached records in a transactional engine.
//
// A Store is synchronous and has a single owner: it must not be used from two
// goroutines at once. pkg/gateway wraps it for concurrent callers.
package store

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"AveCache/pkg/codec"
	"AveCache/pkg/utils"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("avecache")

// Schema versions. Init migrates a database from any older version to CurrentVersion.
const (
	VersionRecords           = 1
	VersionNotificationIndex = 2
	CurrentVersion           = VersionNotificationIndex
)

type DialogID int64

type ItemID int32

// NotificationID orders the records of one dialog. Zero means none.
type NotificationID int32

// RecordKey identifies a record: the dialog that owns it and the item inside the dialog.
type RecordKey struct {
	Dialog DialogID `json:"dialog"`
	Item   ItemID   `json:"item"`
}

func (k RecordKey) String() string {
	return strconv.FormatInt(int64(k.Dialog), 10) + "_" + strconv.FormatInt(int64(k.Item), 10)
}

// ParseRecordKey parses the output of RecordKey.String.
func ParseRecordKey(s string) (RecordKey, error) {
	ps := strings.SplitN(s, "_", 2)
	if len(ps) != 2 {
		return RecordKey{}, fmt.Errorf("invalid record key %q", s)
	}
	d, err := strconv.ParseInt(ps[0], 10, 64)
	if err != nil {
		return RecordKey{}, fmt.Errorf("invalid dialog in %q: %s", s, err)
	}
	i, err := strconv.ParseInt(ps[1], 10, 32)
	if err != nil {
		return RecordKey{}, fmt.Errorf("invalid item in %q: %s", s, err)
	}
	return RecordKey{DialogID(d), ItemID(i)}, nil
}

// Record is an opaque payload. ExpiresAt (unix seconds, 0 for never) and NotificationID
// repeat values encoded in Data so they can be indexed.
type Record struct {
	Key            RecordKey      `json:"key"`
	ExpiresAt      int32          `json:"expires_at,omitempty"`
	NotificationID NotificationID `json:"notification_id,omitempty"`
	Data           []byte         `json:"data"`
}

// NewRecord builds a record, copying data.
func NewRecord(key RecordKey, expiresAt int32, nid NotificationID, data []byte) Record {
	d := make([]byte, len(data))
	copy(d, data)
	return Record{Key: key, ExpiresAt: expiresAt, NotificationID: nid, Data: d}
}

// Format is written once when a store is formatted.
type Format struct {
	Name        string
	UUID        string
	Compression string
	EncryptSalt string `json:",omitempty"`
}

type Stats struct {
	Records int64
	Bytes   int64
}

// Config for clients.
type Config struct {
	Retries     int
	ReadOnly    bool
	Compression string // overrides the compression of the format for new writes
	Passphrase  string
}

type Store interface {
	// Name of the engine.
	Name() string
	// Init creates or migrates the schema. version is the schema version the
	// database was last initialized with, 0 for a new one.
	Init(ctx context.Context, version int) error
	// Drop removes all records. It does nothing when version predates the records schema.
	Drop(ctx context.Context, version int) error
	// Version returns the schema version stamped by Init, 0 if never initialized.
	Version(ctx context.Context) (int, error)
	// Load returns the format, or ErrNotFormatted.
	Load(ctx context.Context) (*Format, error)
	// SaveFormat writes the format; an existing different format is kept unless force is set.
	SaveFormat(ctx context.Context, format Format, force bool) error

	// Put inserts or replaces a record together with its indexes.
	Put(ctx context.Context, rec Record) error
	// Delete removes a record; a missing record is not an error.
	Delete(ctx context.Context, key RecordKey) error
	// Get returns the payload of a record or ErrNotFound.
	Get(ctx context.Context, key RecordKey) ([]byte, error)
	// GetExpiring returns up to limit payloads with ExpiresAt < expiresBefore, soonest first.
	GetExpiring(ctx context.Context, expiresBefore int32, limit int) ([][]byte, error)
	// GetFromNotificationID returns up to limit payloads of dialog with a NotificationID
	// lower than from, highest first.
	GetFromNotificationID(ctx context.Context, dialog DialogID, from NotificationID, limit int) ([][]byte, error)

	// BeginTransaction groups the following writes until CommitTransaction.
	// Reads inside a transaction see its writes on sqlite3 but not on redis,
	// where writes are queued until commit; read after committing.
	BeginTransaction(ctx context.Context) error
	CommitTransaction() error
	RollbackTransaction() error

	// Flush asks the engine to make committed writes durable.
	Flush(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	// Dump writes every record as a JSON line, calling progress after each one.
	Dump(ctx context.Context, w io.Writer, progress func()) error
	Close() error
}

// engine is implemented by every registered Store.
type engine interface {
	Store
	setCodec(c *codec.Codec)
}

type Creator func(driver, addr string, conf *Config) (engine, error)

var (
	enginesMu sync.Mutex
	engines   = make(map[string]Creator)
)

// Register makes an engine available under the URL scheme name.
func Register(name string, register Creator) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = register
}

// NewClient opens the store at uri, e.g. "sqlite3:///var/lib/avecache/cache.db" or
// "redis://127.0.0.1:6379/1". A plain path means sqlite3.
func NewClient(uri string, conf *Config) (Store, error) {
	if conf == nil {
		conf = &Config{}
	}
	if !strings.Contains(uri, "://") {
		uri = "sqlite3://" + uri
	}
	p := strings.Index(uri, "://")
	driver := uri[:p]
	enginesMu.Lock()
	f, ok := engines[driver]
	enginesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("invalid meta driver: %s", driver)
	}
	logger.Debugf("open %s store at %s", driver, redactURI(uri))
	s, err := f(driver, uri[p+3:], conf)
	if err != nil {
		return nil, err
	}
	c, err := newCodec(context.Background(), s, conf)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.setCodec(c)
	return s, nil
}

// newCodec picks the payload codec from the stored format and the client config.
func newCodec(ctx context.Context, s Store, conf *Config) (*codec.Codec, error) {
	format, err := s.Load(ctx)
	if err != nil && !errors.Is(err, ErrNotFormatted) {
		return nil, err
	}
	compression := conf.Compression
	if compression == "" && format != nil {
		compression = format.Compression
	}
	comp := codec.NewCompressor(compression)
	if comp == nil {
		return nil, fmt.Errorf("unsupported compress algorithm: %s", compression)
	}
	var enc codec.Encryptor
	encrypted := format != nil && format.EncryptSalt != ""
	switch {
	case encrypted && conf.Passphrase != "":
		if enc, err = codec.NewPassphraseEncryptor(conf.Passphrase, format.EncryptSalt); err != nil {
			return nil, err
		}
	case encrypted:
		logger.Warnf("store %s is encrypted but no passphrase is given, encrypted records can not be read", format.Name)
	case conf.Passphrase != "" && format != nil:
		logger.Warnf("store %s is not encrypted, the passphrase is ignored", format.Name)
	}
	return codec.New(comp, enc), nil
}

// mergeFormat checks that format may replace old. Without force, only the
// compression of new writes may change and the UUID is kept.
func mergeFormat(old, format *Format, force bool) error {
	if old == nil {
		return nil
	}
	if force {
		logger.Warnf("Existing format will be overwritten: %+v", *old)
		return nil
	}
	format.UUID = old.UUID
	prev := *old
	prev.Compression = format.Compression
	if *format != prev {
		return fmt.Errorf("cannot update format from %+v to %+v", *old, *format)
	}
	return nil
}

// redactURI hides the password of a store URL for logging.
func redactURI(uri string) string {
	p := strings.Index(uri, "://")
	at := strings.LastIndex(uri, "@")
	if p < 0 || at < p {
		return uri
	}
	cred := uri[p+3 : at]
	if c := strings.Index(cred, ":"); c >= 0 {
		return uri[:p+3] + cred[:c] + ":****" + uri[at:]
	}
	return uri
}

// checkWritable reports a ReadOnly client.
func checkWritable(conf *Config) error {
	if conf.ReadOnly {
		return ErrReadOnly
	}
	return nil
}
