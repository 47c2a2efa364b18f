package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/ledgerly/model"
)

// memObjects is an in-memory ObjectAPI.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return nil, io.ErrUnexpectedEOF
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (m *memObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestArchiver_ExportsBatchesAndResumes(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	seedActivity(t, log, 5)
	objects := newMemObjects()
	a := NewArchiver(log, objects, "audit", "activity", 2, nil)
	var batches []int
	a.OnBatch(func(entries int) { batches = append(batches, entries) })

	n, err := a.ExportOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []int{2, 2, 1}, batches)
	require.Equal(t, []string{
		"activity/00000000000000000001-00000000000000000002.ndjson",
		"activity/00000000000000000003-00000000000000000004.ndjson",
		"activity/00000000000000000005-00000000000000000005.ndjson",
		"activity/_cursor",
	}, objects.keys())

	cursor, err := a.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), cursor)

	sc := bufio.NewScanner(bytes.NewReader(objects.objects[a.BatchKey(3, 4)]))
	var seqs []int64
	for sc.Scan() {
		var s Sequenced
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		require.Equal(t, "r1", s.Entry.RecordID)
		seqs = append(seqs, s.Seq)
	}
	require.Equal(t, []int64{3, 4}, seqs)

	n, err = a.ExportOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	seedActivity(t, log, 1)
	n, err = a.ExportOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, objects.keys(), a.BatchKey(6, 6))
}

func TestArchiver_PutFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	seedActivity(t, log, 2)
	objects := newMemObjects()
	objects.failPut = true
	a := NewArchiver(log, objects, "audit", "activity/", 10, nil)

	_, err := a.ExportOnce(ctx)
	require.Error(t, err)

	cursor, err := a.Cursor(ctx)
	require.NoError(t, err)
	require.Zero(t, cursor)
}

// cursorRoundTripper serves GET requests for a single object from a fake
// S3 endpoint and answers NoSuchKey for everything else.
type cursorRoundTripper struct {
	key  string
	body string
}

func (rt cursorRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	if req.Method == http.MethodGet && len(parts) == 2 && parts[1] == rt.key {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(rt.body)),
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Request:    req,
		}, nil
	}
	const notFound = `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader(notFound)),
		Header:     http.Header{"Content-Type": {"application/xml"}},
		Request:    req,
	}, nil
}

func mockS3Client(t *testing.T, rt http.RoundTripper) *s3.Client {
	t.Helper()
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
}

func TestArchiver_CursorFromS3Client(t *testing.T) {
	ctx := context.Background()

	fresh := NewArchiver(NewMemoryLog(), mockS3Client(t, cursorRoundTripper{}), "audit", "activity", 10, nil)
	cursor, err := fresh.Cursor(ctx)
	require.NoError(t, err)
	require.Zero(t, cursor)

	resumed := NewArchiver(NewMemoryLog(),
		mockS3Client(t, cursorRoundTripper{key: "activity/_cursor", body: "42\n"}),
		"audit", "activity", 10, nil)
	cursor, err = resumed.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), cursor)
}

func TestNewS3Client_RequiresBucket(t *testing.T) {
	_, err := NewS3Client(context.Background(), S3Config{})
	require.Error(t, err)
}

// gappyLog serves a fixed activity slice, standing in for a database where
// some sequence numbers are allocated but not yet committed.
type gappyLog struct {
	*MemoryLog
	visible []Sequenced
}

func (g *gappyLog) ActivityAfter(_ context.Context, seq int64, limit int) ([]Sequenced, error) {
	var out []Sequenced
	for _, s := range g.visible {
		if s.Seq > seq && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestArchiver_WaitsForLateCommit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := func(seq int64, at time.Time) Sequenced {
		e := activity(fmt.Sprintf("a%d", seq), "r1", model.ActivityUpdated, seq)
		e.Timestamp = at
		return Sequenced{Seq: seq, Entry: e}
	}

	// Seq 2 was allocated first but commits after seq 3.
	log := &gappyLog{MemoryLog: NewMemoryLog(), visible: []Sequenced{
		entry(1, now.Add(-time.Second)),
		entry(3, now.Add(-time.Second)),
	}}
	objects := newMemObjects()
	a := NewArchiver(log, objects, "audit", "activity", 10, nil)
	a.now = func() time.Time { return now }

	n, err := a.ExportOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	cursor, err := a.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor)

	log.visible = []Sequenced{
		entry(1, now.Add(-time.Second)),
		entry(2, now.Add(-2*time.Second)),
		entry(3, now.Add(-time.Second)),
	}
	n, err = a.ExportOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Contains(t, objects.keys(), a.BatchKey(2, 3))
}

func TestArchiver_SkipsSettledGap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := activity("a3", "r1", model.ActivityUpdated, 3)
	e.Timestamp = now.Add(-2 * time.Minute)
	log := &gappyLog{MemoryLog: NewMemoryLog(), visible: []Sequenced{{Seq: 3, Entry: e}}}

	a := NewArchiver(log, newMemObjects(), "audit", "activity", 10, nil)
	a.now = func() time.Time { return now }
	a.SettleWindow(time.Minute)

	n, err := a.ExportOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	cursor, err := a.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor)
}
