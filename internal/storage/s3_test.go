package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/einyx/bucket-access-portal/internal/config"
)

const s3NS = `xmlns="http://s3.amazonaws.com/doc/2006-03-01/"`

// fakeS3 serves the handful of path-style S3 calls the backend makes
type fakeS3 struct {
	buckets   map[string][]fakeObject
	locations map[string]string
	failList  bool
	pageSize  int
	listCalls atomic.Int32
	locCalls  atomic.Int32
}

type fakeObject struct {
	key  string
	size int64
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	name := strings.Trim(r.URL.Path, "/")

	if name == "" {
		if f.failList {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintf(w, `<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		var b strings.Builder
		for bucket := range f.buckets {
			fmt.Fprintf(&b, `<Bucket><Name>%s</Name><CreationDate>2024-01-02T03:04:05.000Z</CreationDate></Bucket>`, bucket)
		}
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><ListAllMyBucketsResult %s><Owner><ID>owner</ID></Owner><Buckets>%s</Buckets></ListAllMyBucketsResult>`, s3NS, b.String())
		return
	}

	objects, ok := f.buckets[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `<Error><Code>NoSuchBucket</Code><Message>missing</Message><BucketName>%s</BucketName></Error>`, name)
		return
	}

	if _, ok := r.URL.Query()["location"]; ok {
		f.locCalls.Add(1)
		loc, known := f.locations[name]
		if !known {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintf(w, `<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint %s>%s</LocationConstraint>`, s3NS, loc)
		return
	}

	f.listCalls.Add(1)
	start := 0
	if token := r.URL.Query().Get("continuation-token"); token != "" {
		fmt.Sscanf(token, "%d", &start)
	}
	end := len(objects)
	truncated := false
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
		truncated = true
	}

	var b strings.Builder
	for _, obj := range objects[start:end] {
		fmt.Fprintf(&b, `<Contents><Key>%s</Key><LastModified>2024-05-06T07:08:09.000Z</LastModified><ETag>"etag-%s"</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>`, obj.key, obj.key, obj.size)
	}
	next := ""
	if truncated {
		next = fmt.Sprintf(`<NextContinuationToken>%d</NextContinuationToken>`, end)
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult %s><Name>%s</Name><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>%t</IsTruncated>%s%s</ListBucketResult>`,
		s3NS, name, end-start, truncated, next, b.String())
}

func newTestBackend(t *testing.T, fake *fakeS3) *S3Backend {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	backend, err := NewS3Backend(config.StorageConfig{
		Provider:     "s3",
		Region:       "us-east-1",
		Endpoint:     server.URL,
		AccessKey:    "AKIATEST",
		SecretKey:    "secret",
		UsePathStyle: true,
		DisableSSL:   true,
		MaxKeys:      1000,
		Timeout:      5 * time.Second,
	}, nil)
	require.NoError(t, err)
	return backend
}

func TestS3Backend_ListBuckets(t *testing.T) {
	fake := &fakeS3{
		buckets: map[string][]fakeObject{
			"myapp-dev-data":  nil,
			"prod-payments":   nil,
			"legacy-reports":  nil,
		},
		locations: map[string]string{
			"myapp-dev-data": "eu-west-1",
			"prod-payments":  "",
		},
	}
	backend := newTestBackend(t, fake)

	buckets, err := backend.ListBuckets(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	byName := map[string]BucketInfo{}
	for _, b := range buckets {
		byName[b.Name] = b
	}
	assert.Equal(t, "arn:aws:s3:::prod-payments", byName["prod-payments"].ARN)
	assert.Equal(t, 2024, byName["prod-payments"].CreationDate.Year())
	assert.Empty(t, byName["prod-payments"].Region)
	assert.Zero(t, fake.locCalls.Load(), "listing must not look up locations")
}

func TestS3Backend_BucketRegion(t *testing.T) {
	fake := &fakeS3{
		buckets: map[string][]fakeObject{
			"myapp-dev-data": nil,
			"prod-payments":  nil,
			"legacy-reports": nil,
		},
		locations: map[string]string{
			"myapp-dev-data": "eu-west-1",
			"prod-payments":  "",
		},
	}
	backend := newTestBackend(t, fake)
	ctx := context.Background()

	assert.Equal(t, "eu-west-1", backend.BucketRegion(ctx, "myapp-dev-data"))
	assert.Equal(t, "us-east-1", backend.BucketRegion(ctx, "prod-payments"), "empty constraint means us-east-1")
	assert.Equal(t, "us-east-1", backend.BucketRegion(ctx, "legacy-reports"), "location failure falls back")
	assert.Equal(t, int32(3), fake.locCalls.Load())
}

func TestS3Backend_ListBucketsError(t *testing.T) {
	backend := newTestBackend(t, &fakeS3{failList: true})

	_, err := backend.ListBuckets(context.Background())
	assert.Error(t, err)
}

func TestS3Backend_ListObjects(t *testing.T) {
	fake := &fakeS3{buckets: map[string][]fakeObject{
		"myapp-dev-data": {
			{key: "reports/2024.csv", size: 1536},
			{key: "README", size: 0},
			{key: "images/logo.PNG", size: 3 * 1024 * 1024},
		},
	}}
	backend := newTestBackend(t, fake)

	objects, err := backend.ListObjects(context.Background(), "myapp-dev-data")
	require.NoError(t, err)
	require.Len(t, objects, 3)

	assert.Equal(t, "reports/2024.csv", objects[0].Key)
	assert.Equal(t, int64(1536), objects[0].SizeBytes)
	assert.Equal(t, "1.5 KiB", objects[0].Size)
	assert.Equal(t, "csv", objects[0].Type)
	assert.Equal(t, `"etag-reports/2024.csv"`, objects[0].ETag)
	assert.Equal(t, "file", objects[1].Type)
	assert.Equal(t, "0 B", objects[1].Size)
	assert.Equal(t, "png", objects[2].Type)
	assert.Equal(t, "3.0 MiB", objects[2].Size)
}

func TestS3Backend_ListObjectsMissingBucket(t *testing.T) {
	backend := newTestBackend(t, &fakeS3{buckets: map[string][]fakeObject{}})

	_, err := backend.ListObjects(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestS3Backend_BucketStatsPages(t *testing.T) {
	objects := make([]fakeObject, 5)
	for i := range objects {
		objects[i] = fakeObject{key: fmt.Sprintf("obj-%d.bin", i), size: 100}
	}
	fake := &fakeS3{buckets: map[string][]fakeObject{"logs": objects}, pageSize: 2}
	backend := newTestBackend(t, fake)

	stats, err := backend.BucketStats(context.Background(), "logs")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.ObjectCount)
	assert.Equal(t, int64(500), stats.SizeBytes)
	assert.Equal(t, "500 B", stats.Size)
	assert.Equal(t, int32(3), fake.listCalls.Load())
}

func TestObjectType(t *testing.T) {
	tests := map[string]string{
		"data.json":          "json",
		"archive.tar.gz":     "gz",
		"Makefile":           "file",
		"dir/":               "file",
		"photos/IMG_001.JPG": "jpg",
	}
	for key, want := range tests {
		assert.Equal(t, want, ObjectType(key), key)
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "0 B", FormatSize(-1))
	assert.Equal(t, "1.0 KiB", FormatSize(1024))
}
