package s3

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/internal/syncqueue"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
)

var _ syncqueue.RemoteStore = (*Store)(nil)

// fakeS3 serves the subset of the S3 REST API the store uses, path-style.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	fail    bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		writeS3Error(w, http.StatusInternalServerError, "InternalError")
		return
	}

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if parts[0] != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	query := r.URL.Query()

	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && query.Has("delete"):
		var req struct {
			Objects []struct {
				Key string `xml:"Key"`
			} `xml:"Object"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = xml.Unmarshal(body, &req)
		for _, o := range req.Objects {
			delete(f.objects, o.Key)
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><DeleteResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></DeleteResult>`)
	case r.Method == http.MethodGet && key == "":
		f.list(w, query.Get("prefix"))
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
			body = decodeChunked(body)
		}
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&buf, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>",
		f.bucket, prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&buf, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
	}
	buf.WriteString("</ListBucketResult>")
	w.Header().Set("Content-Type", "application/xml")
	w.Write(buf.Bytes())
}

func (f *fakeS3) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

// decodeChunked strips aws-chunked framing from a streamed upload.
func decodeChunked(body []byte) []byte {
	var out bytes.Buffer
	r := bufio.NewReader(bytes.NewReader(body))
	for {
		header, err := r.ReadString('\n')
		if err != nil {
			break
		}
		sizeHex := strings.TrimSpace(strings.SplitN(header, ";", 2)[0])
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil || size == 0 {
			break
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			break
		}
		out.Write(chunk)
		_, _ = r.ReadString('\n')
	}
	return out.Bytes()
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "habits-test", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := New(context.Background(), &Config{
		Bucket:          "habits-test",
		Prefix:          "habitsync",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
		MaxRetries:      1,
		RequestTimeout:  5 * time.Second,
	}, nil)
	require.NoError(t, err)
	return store, fake
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), &Config{}, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	rows := []json.RawMessage{
		json.RawMessage(`{"id":"habit-1","name":"Read"}`),
		json.RawMessage(`{"id":"habit-2","name":"Walk"}`),
	}
	require.NoError(t, store.Insert(ctx, "habits", []string{"habit-1", "habit-2"}, rows))

	assert.JSONEq(t, `{"id":"habit-1","name":"Read"}`, string(fake.object("habitsync/habits/habit-1.json")))

	got, err := store.Get(ctx, "habits", "habit-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"habit-2","name":"Walk"}`, string(got))

	m := store.Metrics()
	assert.GreaterOrEqual(t, m.Requests, int64(3))
	assert.Positive(t, m.BytesUploaded)
}

func TestStore_InsertKeysRowsByEntityID(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	require.NoError(t, store.Insert(ctx, "habits", []string{"habit-1", "habit-2"}, []json.RawMessage{
		json.RawMessage(`{"name":"Run"}`),
		nil,
	}))
	assert.JSONEq(t, `{"id":"habit-1","name":"Run"}`, string(fake.object("habitsync/habits/habit-1.json")))
	assert.JSONEq(t, `{"id":"habit-2"}`, string(fake.object("habitsync/habits/habit-2.json")))
}

func TestStore_InsertRejectsInvalidRows(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		rows []json.RawMessage
	}{
		{"conflicting id", []string{"habit-1", "habit-2"}, []json.RawMessage{json.RawMessage(`{"id":"habit-1"}`), json.RawMessage(`{"id":"client-2"}`)}},
		{"not an object", []string{"habit-1", "habit-2"}, []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`[1,2]`)}},
		{"missing entity id", []string{"habit-1", ""}, []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)}},
		{"length mismatch", []string{"habit-1"}, []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, fake := newTestStore(t)
			err := store.Insert(context.Background(), "habits", tt.ids, tt.rows)
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
			assert.Nil(t, fake.object("habitsync/habits/habit-1.json"), "nothing written when a row is invalid")
		})
	}
}

func TestStore_UpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, "habits", []string{"habit-1"}, []json.RawMessage{
		json.RawMessage(`{"id":"habit-1","name":"Read","completed":false,"note":"x"}`),
	}))
	require.NoError(t, store.Update(ctx, "habits", "habit-1", json.RawMessage(`{"completed":true,"note":null}`)))

	got, err := store.Get(ctx, "habits", "habit-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"habit-1","name":"Read","completed":true}`, string(got))
}

func TestStore_UpdateCreatesMissingRow(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Update(ctx, "goals", "goal-1", json.RawMessage(`{"target":10}`)))

	got, err := store.Get(ctx, "goals", "goal-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"goal-1","target":10}`, string(got))
}

func TestStore_DeleteAndNotFound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, "habits", []string{"habit-1", "habit-2"}, []json.RawMessage{
		json.RawMessage(`{"id":"habit-1"}`),
		json.RawMessage(`{"id":"habit-2"}`),
	}))
	require.NoError(t, store.Delete(ctx, "habits", []string{"habit-1", "habit-404"}))

	_, err := store.Get(ctx, "habits", "habit-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeKeyNotFound))

	_, err = store.Get(ctx, "habits", "habit-2")
	assert.NoError(t, err)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, "habits", []string{"b", "a"}, []json.RawMessage{
		json.RawMessage(`{"id":"b"}`),
		json.RawMessage(`{"id":"a"}`),
	}))
	require.NoError(t, store.Insert(ctx, "goals", []string{"g"}, []json.RawMessage{json.RawMessage(`{"id":"g"}`)}))

	raw, err := store.Fetcher("habits")(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, string(raw))

	empty, err := store.List(ctx, "profiles")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(empty))
}

func TestStore_HealthCheck(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	assert.NoError(t, store.HealthCheck(ctx))

	fake.mu.Lock()
	fake.fail = true
	fake.mu.Unlock()

	err := store.HealthCheck(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRemoteApply))
}

func TestMergeRow(t *testing.T) {
	tests := []struct {
		name    string
		current string
		patch   string
		want    string
		wantErr errors.ErrorCode
	}{
		{name: "new row", patch: `{"a":1}`, want: `{"id":"x","a":1}`},
		{name: "override", current: `{"id":"x","a":1}`, patch: `{"a":2}`, want: `{"id":"x","a":2}`},
		{name: "null removes", current: `{"id":"x","a":1,"b":2}`, patch: `{"b":null}`, want: `{"id":"x","a":1}`},
		{name: "patch not object", patch: `[1]`, wantErr: errors.ErrCodeValidationFailed},
		{name: "corrupt stored row", current: `nope`, patch: `{}`, wantErr: errors.ErrCodeCacheCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var current json.RawMessage
			if tt.current != "" {
				current = json.RawMessage(tt.current)
			}
			got, err := mergeRow(current, json.RawMessage(tt.patch), "x")
			if tt.wantErr != "" {
				require.NotNil(t, err)
				assert.Equal(t, tt.wantErr, err.Code)
				return
			}
			require.Nil(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

type onlineNetwork struct{}

func (onlineNetwork) Status() types.ConnectionStatus {
	return types.ConnectionStatus{IsOnline: true, Quality: types.QualityGood}
}
func (onlineNetwork) IsOnline() bool                { return true }
func (onlineNetwork) Quality() types.NetworkQuality { return types.QualityGood }

func TestStore_DrainedAddsFollowEntityID(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)
	p := syncqueue.New(kv.NewMemory(), store, nil, onlineNetwork{}, syncqueue.DefaultConfig(), nil)

	_, err := p.Enqueue(ctx, "habit-1", "habit", types.ActionAdd, json.RawMessage(`{"name":"Run"}`), 0)
	require.NoError(t, err)
	res, err := p.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.JSONEq(t, `{"id":"habit-1","name":"Run"}`, string(fake.object("habitsync/habits/habit-1.json")))

	_, err = p.Enqueue(ctx, "habit-1", "habit", types.ActionDelete, nil, 0)
	require.NoError(t, err)
	res, err = p.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Nil(t, fake.object("habitsync/habits/habit-1.json"), "delete removes the row the add created")

	_, err = p.Enqueue(ctx, "habit-2", "habit", types.ActionAdd, json.RawMessage(`{"id":"client-2"}`), 0)
	require.NoError(t, err)
	res, err = p.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped, "conflicting ids fail at once instead of burning retries")
	assert.Nil(t, fake.object("habitsync/habits/client-2.json"))

	dead, err := p.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "habit-2", dead[0].Item.EntityID)
}
