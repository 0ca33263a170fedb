package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finboard/internal/logger"
)

// ErrNoBackups is returned when the bucket holds no blob for the account.
var ErrNoBackups = errors.New("backup: no backups found")

const uploadTimeout = 2 * time.Minute

// BlobStore keeps encrypted snapshot blobs in a GCS bucket. Object names
// embed the blob timestamp so listing order is chronological.
type BlobStore struct {
	client *storage.Client
	bucket string
	log    zerolog.Logger
}

// NewBlobStore opens a client against the given bucket. It assumes
// Application Default Credentials are configured.
func NewBlobStore(ctx context.Context, bucket string, log zerolog.Logger) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &BlobStore{client: client, bucket: bucket, log: logger.Component(log, "backup")}, nil
}

func (s *BlobStore) Close() error {
	return s.client.Close()
}

func objectName(account string, timestamp int64) string {
	return fmt.Sprintf("snapshots/%s/%020d.json", account, timestamp)
}

func prefix(account string) string {
	return fmt.Sprintf("snapshots/%s/", account)
}

// Put uploads one encrypted blob. The remote never sees plaintext.
func (s *BlobStore) Put(ctx context.Context, account string, blob Blob) error {
	payload, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode blob: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(objectName(account, blob.Timestamp))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := io.Copy(w, bytes.NewReader(payload)); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy blob to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize GCS upload: %w", err)
	}

	s.log.Info().
		Str("bucket", s.bucket).
		Str("object", obj.ObjectName()).
		Msg("backup uploaded")
	return nil
}

// Latest downloads the most recent blob for the account.
func (s *BlobStore) Latest(ctx context.Context, account string) (Blob, error) {
	names, err := s.List(ctx, account)
	if err != nil {
		return Blob{}, err
	}
	if len(names) == 0 {
		return Blob{}, ErrNoBackups
	}
	return s.Get(ctx, names[len(names)-1])
}

// Get downloads one blob by its full object name.
func (s *BlobStore) Get(ctx context.Context, name string) (Blob, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return Blob{}, fmt.Errorf("open GCS object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return Blob{}, fmt.Errorf("read GCS object: %w", err)
	}

	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Blob{}, fmt.Errorf("decode blob %q: %w", name, err)
	}
	return blob, nil
}

// List returns the account's blob object names in chronological order.
func (s *BlobStore) List(ctx context.Context, account string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix(account)})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list GCS objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}
