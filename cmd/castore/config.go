package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jrhy/castore"
	"github.com/jrhy/castore/persist/file"
	"github.com/jrhy/castore/persist/postgres"
	"github.com/jrhy/castore/persist/s3"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// config selects a backend and how it stores tables. It is read from
// the --config file and overridden by flags of the same name.
type config struct {
	Backend     string `yaml:"backend" json:"backend"`
	Path        string `yaml:"path" json:"path"`
	Bucket      string `yaml:"bucket" json:"bucket"`
	Prefix      string `yaml:"prefix" json:"prefix"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Region      string `yaml:"region" json:"region"`
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	Policy      string `yaml:"policy" json:"policy"`
	Codec       string `yaml:"codec" json:"codec"`
	Compress    bool   `yaml:"compress" json:"compress"`
	Digest      string `yaml:"digest" json:"digest"`
	CacheSize   int    `yaml:"cache_size" json:"cache_size"`
	RootFile    string `yaml:"root_file" json:"root_file"`
}

func defaultConfig() config {
	return config{Backend: "memory"}
}

// loadConfig reads YAML, or JSONC when the file ends in .json or .jsonc.
// Unknown fields are errors.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Backend, "backend", c.Backend, "backend: memory, file, s3 or postgres")
	fs.StringVar(&c.Path, "path", c.Path, "directory holding blobs for the file backend")
	fs.StringVar(&c.Bucket, "bucket", c.Bucket, "S3 bucket")
	fs.StringVar(&c.Prefix, "prefix", c.Prefix, "S3 key prefix")
	fs.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "S3 endpoint, for S3-compatible services")
	fs.StringVar(&c.Region, "region", c.Region, "S3 region")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.Policy, "policy", c.Policy, "write policy: auto-create or require-table")
	fs.StringVar(&c.Codec, "codec", c.Codec, "blob encoding: json, cbor or proto")
	fs.BoolVar(&c.Compress, "compress", c.Compress, "zstd-compress blobs")
	fs.StringVar(&c.Digest, "digest", c.Digest, "hash function: blake2b or blake3")
	fs.IntVar(&c.CacheSize, "cache-size", c.CacheSize, "number of decoded tables to cache")
	fs.StringVar(&c.RootFile, "root-file", c.RootFile, "file holding the current root between invocations")
}

// override copies the fields whose flags were given on the command line.
func (c *config) override(fs *pflag.FlagSet, flags config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "backend":
			c.Backend = flags.Backend
		case "path":
			c.Path = flags.Path
		case "bucket":
			c.Bucket = flags.Bucket
		case "prefix":
			c.Prefix = flags.Prefix
		case "endpoint":
			c.Endpoint = flags.Endpoint
		case "region":
			c.Region = flags.Region
		case "database-url":
			c.DatabaseURL = flags.DatabaseURL
		case "policy":
			c.Policy = flags.Policy
		case "codec":
			c.Codec = flags.Codec
		case "compress":
			c.Compress = flags.Compress
		case "digest":
			c.Digest = flags.Digest
		case "cache-size":
			c.CacheSize = flags.CacheSize
		case "root-file":
			c.RootFile = flags.RootFile
		}
	})
}

func (c config) validate() error {
	switch c.Backend {
	case "memory":
	case "file":
		if c.Path == "" {
			return fmt.Errorf("file backend needs path")
		}
	case "s3":
		if c.Bucket == "" {
			return fmt.Errorf("s3 backend needs bucket")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("postgres backend needs database_url")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := castore.ParseWritePolicy(c.Policy); err != nil {
		return err
	}
	if _, err := castore.ParseDigest(c.Digest); err != nil {
		return err
	}
	if c.Codec != "" {
		if _, err := castore.CodecByName(c.Codec); err != nil {
			return err
		}
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}
	return nil
}

// backend is an open store. For persisted backends, remote and
// persisted are set and save records the current root.
type backend struct {
	store     castore.Store
	persisted *castore.PersistedStore
	remote    *castore.RemoteConfig
	rootFile  string
	close     func()
}

func (c config) open(ctx context.Context, logger *slog.Logger) (*backend, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	policy, _ := castore.ParseWritePolicy(c.Policy)
	digest, _ := castore.ParseDigest(c.Digest)
	storeCfg := castore.Config{
		Policy: policy,
		Hasher: castore.NewHasher(digest),
		Logger: logger,
	}
	b := &backend{close: func() {}, rootFile: c.RootFile}
	var persist castore.Persist
	switch c.Backend {
	case "memory":
		b.store = castore.NewInMemory(storeCfg)
		return b, nil
	case "file":
		p, err := file.NewPersistForPath(c.Path)
		if err != nil {
			return nil, err
		}
		persist = p
	case "s3":
		awsCfg := &aws.Config{}
		if c.Region != "" {
			awsCfg.Region = aws.String(c.Region)
		}
		if c.Endpoint != "" {
			awsCfg.Endpoint = aws.String(c.Endpoint)
			awsCfg.S3ForcePathStyle = aws.Bool(true)
		}
		sess, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, fmt.Errorf("aws session: %w", err)
		}
		persist = s3.NewPersist(awss3.New(sess), c.Bucket, c.Prefix)
	case "postgres":
		pool, err := pgxpool.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		p := postgres.NewPersist(pool, "")
		if err := p.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		persist = p
		b.close = pool.Close
	}
	b.remote = &castore.RemoteConfig{
		Config:                  storeCfg,
		StoreImmutablePartsWith: persist,
		Compress:                c.Compress,
		Digest:                  digest,
	}
	if c.Codec != "" {
		b.remote.Codec, _ = castore.CodecByName(c.Codec)
	}
	if c.CacheSize > 0 {
		b.remote.TableCache = castore.NewTableCache(c.CacheSize)
	}
	root, err := readRoot(c.RootFile)
	if err != nil {
		b.close()
		return nil, err
	}
	s, err := root.LoadStore(b.remote)
	if err != nil {
		b.close()
		return nil, err
	}
	b.store = s
	b.persisted = s
	return b, nil
}

// readRoot returns the root named in path; a missing or empty file is
// the empty store.
func readRoot(path string) (*castore.Root, error) {
	if path == "" {
		return castore.NewRoot(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return castore.NewRoot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading root: %w", err)
	}
	link := strings.TrimSpace(string(data))
	if link == "" {
		return castore.NewRoot(), nil
	}
	return &castore.Root{Link: &link}, nil
}

// save records the store's current root in the root file.
func (b *backend) save(logger *slog.Logger) error {
	if b.persisted == nil {
		return nil
	}
	link := ""
	if l := b.persisted.Root().Link; l != nil {
		link = *l
	}
	if b.rootFile == "" {
		logger.Warn("no root_file configured; the new root is not saved", "root", link)
		return nil
	}
	tmp := b.rootFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(link+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing root: %w", err)
	}
	if err := os.Rename(tmp, b.rootFile); err != nil {
		return fmt.Errorf("writing root: %w", err)
	}
	logger.Debug("saved root", "root", link, "file", b.rootFile)
	return nil
}
