package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/attachment"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/kv"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/memory"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/storage"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/store"
)

// Backend is one storage world: conversations, memories and attachments of
// either account users or device profiles. The orchestrator never branches
// on which one it holds.
type Backend struct {
	Name        string
	Store       store.Store
	Recaller    memory.Recaller
	Attachments *attachment.Pipeline
	Summarizer  *memory.Summarizer
	Summaries   memory.Dispatcher

	closers []func() error
}

// Wait blocks until summaries dispatched in-process have finished. Queue
// dispatchers hand work to Redis and have nothing to wait for.
func (b *Backend) Wait() {
	if b == nil {
		return
	}
	if w, ok := b.Summaries.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// Close releases the backend's clients.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	PublicURL string
	UseSSL    bool
}

// HostedConfig configures the backend of authenticated users.
type HostedConfig struct {
	DatabaseURL string
	Minio       MinioConfig
	Generator   ai.TextGenerator
	// Dispatcher overrides the in-process summary dispatcher, e.g. with a
	// queue.SummaryQueue. It is built from the returned Summarizer.
	Dispatcher     func(*memory.Summarizer) memory.Dispatcher
	SummaryTimeout time.Duration

	// Store and Attachments replace the Postgres and MinIO clients.
	Store       store.Store
	Attachments storage.AttachmentStore
}

// NewHostedBackend wires Postgres, MinIO and server-side recall.
func NewHostedBackend(cfg HostedConfig) (*Backend, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("hosted backend: text generator required")
	}
	b := &Backend{Name: "hosted"}
	dataStore := cfg.Store
	if dataStore == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("hosted backend: database URL required")
		}
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		b.closers = append(b.closers, gormStore.Close)
		dataStore = gormStore
	}
	objects := cfg.Attachments
	if objects == nil {
		m := cfg.Minio
		minioStore, err := storage.NewMinioStore(m.Endpoint, m.AccessKey, m.SecretKey, m.Bucket, m.PublicURL, m.UseSSL)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		objects = minioStore
	}
	b.Store = dataStore
	b.Attachments = attachment.NewPipeline(objects)
	b.Recaller = memory.NewServerRecaller(cfg.Generator, dataStore)
	b.Summarizer = memory.NewSummarizer(cfg.Generator, dataStore)
	b.Summaries = dispatcherFor(b.Summarizer, cfg.Dispatcher, cfg.SummaryTimeout)
	return b, nil
}

// LocalConfig configures the backend of device profiles.
type LocalConfig struct {
	// DataDir holds local.db and the attachments directory.
	DataDir string
	// KV replaces the SQLite key-value store, e.g. with a kv.RedisStore
	// shared by several instances.
	KV             kv.Store
	Generator      ai.TextGenerator
	SummaryTimeout time.Duration
}

// NewLocalBackend wires the JSON key-value store, file attachments and
// on-device keyword recall.
func NewLocalBackend(cfg LocalConfig) (*Backend, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("local backend: text generator required")
	}
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	b := &Backend{Name: "local"}
	values := cfg.KV
	if values == nil {
		sqliteStore, err := kv.NewSQLiteStore(filepath.Join(dataDir, "local.db"))
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		b.closers = append(b.closers, sqliteStore.Close)
		values = sqliteStore
	}
	files, err := storage.NewFileStore(filepath.Join(dataDir, "attachments"))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("init attachment dir: %w", err)
	}
	localStore := store.NewLocalStore(values)
	b.Store = localStore
	b.Attachments = attachment.NewPipeline(files)
	b.Recaller = memory.NewLocalRecaller(localStore)
	b.Summarizer = memory.NewSummarizer(cfg.Generator, localStore)
	b.Summaries = dispatcherFor(b.Summarizer, nil, cfg.SummaryTimeout)
	return b, nil
}

func dispatcherFor(s *memory.Summarizer, build func(*memory.Summarizer) memory.Dispatcher, timeout time.Duration) memory.Dispatcher {
	if build != nil {
		if d := build(s); d != nil {
			return d
		}
	}
	return memory.NewAsyncDispatcher(s, timeout)
}
