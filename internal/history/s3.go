package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
)

// ObjectStoreConfig points the object store sink at an S3 compatible bucket.
type ObjectStoreConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
}

// ObjectStoreSink writes each entry as a JSON object at
// <prefix>/<flowID>/<taskID>/<seq>-<action>.json.
type ObjectStoreSink struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	log    logging.Logger

	mu  sync.Mutex
	seq map[string]int
}

// NewObjectStoreSink builds a minio client for cfg. Static keys are used when
// set, otherwise credentials come from the environment chain.
func NewObjectStoreSink(cfg ObjectStoreConfig, log logging.Logger) (*ObjectStoreSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("history: bucket is required")
	}
	if log == nil {
		log = logging.Noop()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("history: create s3 client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &ObjectStoreSink{
		client: client,
		cfg:    cfg,
		log:    log.With(logging.String("component", "history_s3")),
		seq:    make(map[string]int),
	}, nil
}

func (s *ObjectStoreSink) Save(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: encode entry: %w", err)
	}
	object := s.objectName(e)
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("history: put %s: %w", object, err)
	}
	s.log.Debug(ctx, "history entry stored", logging.String("object", object))
	return nil
}

// Entries reads back every entry stored for flowID, oldest first.
func (s *ObjectStoreSink) Entries(ctx context.Context, flowID string) ([]Entry, error) {
	prefix := s.withPrefix(flowID) + "/"
	var out []Entry
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("history: list %s: %w", prefix, object.Err)
		}
		if !strings.HasSuffix(object.Key, ".json") {
			continue
		}
		e, err := s.read(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *ObjectStoreSink) read(ctx context.Context, key string) (Entry, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Entry{}, fmt.Errorf("history: get %s: %w", key, err)
	}
	defer obj.Close()
	var e Entry
	if err := json.NewDecoder(obj).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("history: decode %s: %w", key, err)
	}
	return e, nil
}

func (s *ObjectStoreSink) objectName(e Entry) string {
	task := e.TaskID
	if task == "" {
		task = "untracked"
	}
	dir := s.withPrefix(path.Join(e.FlowID, task))

	s.mu.Lock()
	s.seq[dir]++
	n := s.seq[dir]
	s.mu.Unlock()

	return fmt.Sprintf("%s/%06d-%s.json", dir, n, slug(e.Action))
}

func (s *ObjectStoreSink) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return s.cfg.Prefix + "/" + p
}

func slug(action string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(action) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
