// Package s3 stores remote habit data as JSON objects in an S3 bucket, one
// object per row under <prefix>/<table>/<id>.json. It implements the sync
// queue's remote store and provides fetch sources for whole tables.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// maxDeleteKeys is the DeleteObjects per-request limit.
const maxDeleteKeys = 1000

// Store is the S3-backed remote data store.
type Store struct {
	client  *s3.Client
	bucket  string
	config  *Config
	logger  *utils.StructuredLogger
	metrics metricsRecorder
}

// New creates a store from cfg, loading AWS credentials.
func New(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}
	cfg = cfg.withDefaults()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, cfg *Config, logger *utils.StructuredLogger) *Store {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	cfg = cfg.withDefaults()
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
		logger: logger.WithComponent("s3").WithField("bucket", cfg.Bucket),
	}
}

func (s *Store) key(table, id string) string {
	return path.Join(s.config.Prefix, table, id+".json")
}

func (s *Store) tablePrefix(table string) string {
	return path.Join(s.config.Prefix, table) + "/"
}

// Insert writes each row as its own object keyed by ids[i], in parallel.
// Every row must be a JSON object; its "id" is set to ids[i] and a different
// id already in the row is rejected.
func (s *Store) Insert(ctx context.Context, table string, ids []string, rows []json.RawMessage) error {
	if len(ids) != len(rows) {
		return errors.NewError(errors.ErrCodeValidationFailed, "ids and rows differ in length").
			WithComponent("s3").
			WithOperation("insert").
			WithContext("table", table)
	}

	objects := make([][]byte, len(rows))
	for i, row := range rows {
		obj, err := rowWithID(row, ids[i])
		if err != nil {
			return err.WithOperation("insert").WithContext("table", table)
		}
		objects[i] = obj
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, obj := range objects {
		key := s.key(table, ids[i])
		g.Go(func() error {
			return s.put(gctx, key, obj)
		})
	}
	return g.Wait()
}

// Update merges data into the stored row: top-level fields in data replace
// stored ones and null fields are removed. A missing row is created.
func (s *Store) Update(ctx context.Context, table, id string, data json.RawMessage) error {
	key := s.key(table, id)

	current, err := s.get(ctx, key)
	if errors.HasCode(err, errors.ErrCodeKeyNotFound) {
		current = nil
	} else if err != nil {
		return err
	}

	merged, mergeErr := mergeRow(current, data, id)
	if mergeErr != nil {
		return mergeErr.WithOperation("update").WithContext("table", table)
	}
	return s.put(ctx, key, merged)
}

// Delete removes rows by id. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, table string, ids []string) error {
	for start := 0; start < len(ids); start += maxDeleteKeys {
		end := start + maxDeleteKeys
		if end > len(ids) {
			end = len(ids)
		}

		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, id := range ids[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(s.key(table, id))})
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		began := time.Now()
		out, err := s.client.DeleteObjects(reqCtx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		cancel()
		if err == nil && len(out.Errors) > 0 {
			first := out.Errors[0]
			err = errors.NewError(errors.ErrCodeRemoteApply, "bulk delete partially failed").
				WithComponent("s3").
				WithDetail("failed", len(out.Errors)).
				WithContext("key", aws.ToString(first.Key)).
				WithContext("reason", aws.ToString(first.Message))
		}
		s.metrics.record(time.Since(began), err)
		if err != nil {
			return s.translateError(reqCtx, err, "delete", table)
		}
	}
	return nil
}

// Get returns one row.
func (s *Store) Get(ctx context.Context, table, id string) (json.RawMessage, error) {
	return s.get(ctx, s.key(table, id))
}

// List returns every row of table as one JSON array, ordered by key.
func (s *Store) List(ctx context.Context, table string) (json.RawMessage, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.tablePrefix(table)),
	})
	for p.HasMorePages() {
		began := time.Now()
		page, err := p.NextPage(ctx)
		s.metrics.record(time.Since(began), err)
		if err != nil {
			return nil, s.translateError(ctx, err, "list", table)
		}
		for _, obj := range page.Contents {
			if k := aws.ToString(obj.Key); strings.HasSuffix(k, ".json") {
				keys = append(keys, k)
			}
		}
	}

	rows := make([]json.RawMessage, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, k := range keys {
		g.Go(func() error {
			row, err := s.get(gctx, k)
			if errors.HasCode(err, errors.ErrCodeKeyNotFound) {
				return nil
			}
			rows[i] = row
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		if r != nil {
			out = append(out, r)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to encode table", err).WithComponent("s3")
	}
	return raw, nil
}

// Fetcher returns a fetch source that reads all rows of table.
func (s *Store) Fetcher(table string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return s.List(ctx, table)
	}
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return s.translateError(ctx, err, "health_check", s.bucket)
	}
	return nil
}

// Metrics returns a snapshot of request metrics.
func (s *Store) Metrics() StoreMetrics {
	return s.metrics.snapshot()
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	began := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	s.metrics.record(time.Since(began), err)
	if err != nil {
		return s.translateError(ctx, err, "put", key)
	}
	s.metrics.uploaded(len(data))
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	began := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.metrics.record(time.Since(began), err)
		return nil, s.translateError(ctx, err, "get", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	s.metrics.record(time.Since(began), err)
	if err != nil {
		return nil, s.translateError(ctx, err, "get", key)
	}
	s.metrics.downloaded(len(data))
	return data, nil
}

func (s *Store) translateError(ctx context.Context, err error, operation, target string) error {
	var se *errors.SyncError
	if stderrors.As(err, &se) {
		return se
	}

	var code errors.ErrorCode
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		code = errors.ErrCodeKeyNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		code = errors.ErrCodeInvalidConfig
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		code = errors.ErrCodeConnectionTimeout
	case stderrors.Is(err, context.Canceled):
		code = errors.ErrCodeOperationCanceled
	default:
		code = errors.ErrCodeRemoteApply
	}

	if code != errors.ErrCodeKeyNotFound {
		s.logger.Warn("S3 request failed", map[string]interface{}{
			"operation": operation,
			"target":    target,
			"error":     err.Error(),
		})
	}
	return errors.Wrap(code, operation+" failed", err).
		WithComponent("s3").
		WithOperation(operation).
		WithContext("target", target)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

// rowWithID returns row with its "id" set to id. An empty row becomes {"id": id}.
func rowWithID(row json.RawMessage, id string) ([]byte, *errors.SyncError) {
	if id == "" {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "row has no entity id").WithComponent("s3")
	}
	fields := map[string]json.RawMessage{}
	if len(row) > 0 && string(row) != "null" {
		if err := json.Unmarshal(row, &fields); err != nil || fields == nil {
			return nil, errors.NewError(errors.ErrCodeValidationFailed, "row is not a JSON object").
				WithComponent("s3").
				WithContext("id", id)
		}
	}

	idJSON, _ := json.Marshal(id)
	if existing, ok := fields["id"]; ok {
		var got string
		if err := json.Unmarshal(existing, &got); err != nil || got != id {
			return nil, errors.NewError(errors.ErrCodeValidationFailed, "row id conflicts with entity id").
				WithComponent("s3").
				WithContext("id", id).
				WithContext("row_id", string(existing))
		}
	}
	fields["id"] = idJSON

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to encode row", err).WithComponent("s3")
	}
	return out, nil
}

func mergeRow(current, patch json.RawMessage, id string) ([]byte, *errors.SyncError) {
	fields := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &fields); err != nil {
			return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "stored row is not a JSON object", err).WithComponent("s3")
		}
	}

	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil || changes == nil {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "update is not a JSON object").WithComponent("s3")
	}
	for k, v := range changes {
		if string(v) == "null" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	if _, ok := fields["id"]; !ok {
		idJSON, _ := json.Marshal(id)
		fields["id"] = idJSON
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to encode row", err).WithComponent("s3")
	}
	return out, nil
}
