package filestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aulasonora/aulasonora/pkg/filestore/local"
	"github.com/aulasonora/aulasonora/pkg/filestore/s3"
)

type fs interface {
	Upload(ctx context.Context, path, name string) error
	Download(ctx context.Context, path, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// Store keeps generated artifacts under opaque names.
type Store struct {
	fs fs
}

// Save stores the file at path under name.
func (s *Store) Save(ctx context.Context, path, name string) error {
	return s.fs.Upload(ctx, path, name)
}

// Load copies the artifact name to path.
func (s *Store) Load(ctx context.Context, path, name string) error {
	return s.fs.Download(ctx, path, name)
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	return s.fs.Exists(ctx, name)
}

// New creates a store of the given type.
//
//	local: conn is the artifact root, usually the upload root
//	s3:    conn is key:secret@bucket.region, optionally followed by
//	       ?endpoint=https://host for S3 compatible services
func New(ctx context.Context, typ, conn string, debug bool) (*Store, error) {
	var fs fs
	switch typ {
	case "s3":
		cfg, err := parseS3(conn)
		if err != nil {
			return nil, err
		}
		cfg.Debug = debug
		candidate, err := s3.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "local", "":
		if conn == "" {
			return nil, fmt.Errorf("filestore: local store needs a root directory")
		}
		fs = local.New(conn)
	default:
		return nil, fmt.Errorf("filestore: unknown file storage type %q", typ)
	}
	return &Store{fs: fs}, nil
}

func parseS3(conn string) (*s3.Config, error) {
	var endpoint string
	if i := strings.Index(conn, "?endpoint="); i >= 0 {
		endpoint = conn[i+len("?endpoint="):]
		conn = conn[:i]
	}
	split := strings.Split(conn, "@")
	if len(split) != 2 {
		return nil, fmt.Errorf("filestore: invalid s3 connection string %q", conn)
	}
	var key, secret string
	if split[0] != "" {
		auth := strings.Split(split[0], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 auth string %q", conn)
		}
		key, secret = auth[0], auth[1]
	}
	loc := strings.SplitN(split[1], ".", 2)
	if len(loc) != 2 || loc[0] == "" || loc[1] == "" {
		return nil, fmt.Errorf("filestore: invalid s3 location string %q", conn)
	}
	return &s3.Config{
		Key:      key,
		Secret:   secret,
		Bucket:   loc[0],
		Region:   loc[1],
		Endpoint: endpoint,
	}, nil
}
