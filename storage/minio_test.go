package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"worshiproom/config"
	"worshiproom/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// objectStore is a path-style S3 endpoint that keeps buckets and objects in
// memory. It understands just the calls the archiver makes.
type objectStore struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func newObjectStore(t *testing.T) (*objectStore, *httptest.Server) {
	s := &objectStore{buckets: map[string]bool{}, objects: map[string][]byte{}}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *objectStore) object(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	return data, ok
}

func (s *objectStore) hasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[name]
}

func (s *objectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")

	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !s.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			s.buckets[bucket] = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, err := readPayload(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.objects[path] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := s.objects[path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
					`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message>`+
					`<Key>%s</Key><BucketName>%s</BucketName><RequestId>1</RequestId><HostId>1</HostId></Error>`, key, bucket)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

// readPayload decodes aws-chunked uploads, which the client uses over plain
// HTTP, and passes other bodies through.
func readPayload(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}
	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *minio.Client {
	t.Helper()
	client, err := minio.New(strings.TrimPrefix(srv.URL, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Region: "us-east-1",
	})
	require.NoError(t, err)
	return client
}

func TestArchiveRoundTrip(t *testing.T) {
	store, srv := newObjectStore(t)
	ctx := context.Background()

	a, err := NewHistoryArchiver(ctx, newTestClient(t, srv), "history", "us-east-1")
	require.NoError(t, err)
	assert.True(t, store.hasBucket("history"))

	room := &model.Room{ID: "r-1", Name: "Sunday", Type: model.RoomTypeLive}
	history := []*model.PlayHistory{
		{ID: "h-1", RoomID: "r-1", VideoID: "amazing-grace", SkipVoteCount: 1, ParticipantCount: 4},
	}
	require.NoError(t, a.ArchiveRoom(ctx, room, history))
	_, stored := store.object("history/" + ObjectName("r-1"))
	assert.True(t, stored)

	archive, err := a.ReadArchive(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "Sunday", archive.Room.Name)
	require.Len(t, archive.History, 1)
	assert.Equal(t, "amazing-grace", archive.History[0].VideoID)
	assert.False(t, archive.ArchivedAt.IsZero())

	_, err = a.ReadArchive(ctx, "r-2")
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestArchiveWithoutHistory(t *testing.T) {
	store, srv := newObjectStore(t)
	store.buckets["history"] = true
	ctx := context.Background()

	a, err := NewHistoryArchiver(ctx, newTestClient(t, srv), "history", "us-east-1")
	require.NoError(t, err)
	require.NoError(t, a.ArchiveRoom(ctx, &model.Room{ID: "r-9"}, nil))

	data, ok := store.object("history/" + ObjectName("r-9"))
	require.True(t, ok)
	var archive RoomArchive
	require.NoError(t, json.Unmarshal(data, &archive))
	assert.NotNil(t, archive.History)
	assert.Empty(t, archive.History)
}

func TestNewMinioClientNeedsEndpoint(t *testing.T) {
	_, err := NewMinioClient(&config.Config{})
	assert.Error(t, err)

	client, err := NewMinioClient(&config.Config{MinioEndpoint: "127.0.0.1:9000", MinioRegion: "us-east-1"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "rooms/abc/history.json", ObjectName("abc"))
}
