package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dataset-hub/bookcorpus/internal/apierr"
	"github.com/dataset-hub/bookcorpus/internal/cache"
	"github.com/dataset-hub/bookcorpus/internal/progress"
)

const blobName = "bookcorpus.tar.bz2"

func TestDownloadFreshFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("bookcorpus-"), 10_000)
	stub := newUpstreamStub(t, payloadHandler(payload))
	c := newTestCache(t)
	reporter := &recordingReporter{}
	d := newTestDownloader(t, Options{
		Cache:       c,
		UserAgent:   "bookcorpus/test",
		NewReporter: func() progress.Reporter { return reporter },
	})

	url := stub.URL + "/datasets/bookcorpus/" + blobName
	path, err := d.Download(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.Root(), blobName), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), info.Size())
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	requests := stub.Requests()
	require.Len(t, requests, 1)
	require.Equal(t, http.MethodGet, requests[0].Method)
	require.Equal(t, "bookcorpus/test", requests[0].Headers.Get("User-Agent"))

	require.EqualValues(t, len(payload), reporter.total)
	require.Equal(t, "Downloading "+url, reporter.started)
	require.Equal(t, "Downloaded "+url+" to "+path, reporter.finished)
	require.NotEmpty(t, reporter.positions)
	for i, pos := range reporter.positions {
		require.LessOrEqual(t, pos, int64(len(payload)))
		if i > 0 {
			require.GreaterOrEqual(t, pos, reporter.positions[i-1])
		}
	}
	require.EqualValues(t, len(payload), reporter.positions[len(reporter.positions)-1])

	entries, err := os.ReadDir(c.TempDir())
	require.NoError(t, err)
	require.Empty(t, entries, "temp file must be promoted")
}

func TestDownloadCacheHitIsIdempotent(t *testing.T) {
	payload := []byte("archive-bytes")
	stub := newUpstreamStub(t, payloadHandler(payload))
	d := newTestDownloader(t, Options{Cache: newTestCache(t)})
	url := stub.URL + "/" + blobName

	first, err := d.Download(context.Background(), url)
	require.NoError(t, err)
	second, err := d.Download(context.Background(), url)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, stub.Requests(), 1)
}

func TestDownloadWarmCacheIssuesNoRequest(t *testing.T) {
	stub := newUpstreamStub(t, payloadHandler([]byte("remote")))
	c := newTestCache(t)
	require.NoError(t, os.MkdirAll(c.Root(), 0o755))
	require.NoError(t, os.WriteFile(c.BlobPath(blobName), []byte("local"), 0o644))

	d := newTestDownloader(t, Options{Cache: c})
	path, err := d.Download(context.Background(), stub.URL+"/"+blobName)
	require.NoError(t, err)
	require.Equal(t, c.BlobPath(blobName), path)
	require.Empty(t, stub.Requests())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "local", string(got), "cache hit is decided by existence alone")
}

func TestDownloadInvalidResponse(t *testing.T) {
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	c := newTestCache(t)
	d := newTestDownloader(t, Options{Cache: c})

	_, err := d.Download(context.Background(), stub.URL+"/"+blobName)
	require.Error(t, err)
	require.Equal(t, apierr.KindInvalidResponse, apierr.KindOf(err))
	resp := apierr.ResponseOf(err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoFileExists(t, c.BlobPath(blobName))
}

func TestDownloadMissingContentLength(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 3*chunkSize)
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = w.Write(payload[i*chunkSize : (i+1)*chunkSize])
			flusher.Flush()
		}
	})
	reporter := &recordingReporter{}
	d := newTestDownloader(t, Options{
		Cache:       newTestCache(t),
		NewReporter: func() progress.Reporter { return reporter },
	})

	path, err := d.Download(context.Background(), stub.URL+"/"+blobName)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Less(t, reporter.total, int64(0), "unknown total is reported as indeterminate")
	require.EqualValues(t, len(payload), reporter.positions[len(reporter.positions)-1])
}

func TestDownloadAtomicPromotion(t *testing.T) {
	half := bytes.Repeat([]byte("a"), 64*1024)
	release := make(chan struct{})
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "131072")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(half)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := newTestCache(t)
	d := newTestDownloader(t, Options{Cache: c})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Download(ctx, stub.URL+"/"+blobName)
		errCh <- err
	}()

	tempPath := waitForPartialTemp(t, c, int64(len(half)))
	require.NoFileExists(t, c.BlobPath(blobName), "a prefix of the body must never be visible as the blob")

	cancel()
	err := <-errCh
	require.Error(t, err)
	require.Equal(t, apierr.KindRequest, apierr.KindOf(err))
	require.NoFileExists(t, c.BlobPath(blobName))
	require.FileExists(t, tempPath, "cancelled download leaves its temp file behind")
}

func TestDownloadRenameRace(t *testing.T) {
	payload := bytes.Repeat([]byte("race"), 50_000)
	stub := newUpstreamStub(t, payloadHandler(payload))
	c := newTestCache(t)
	url := stub.URL + "/" + blobName

	// 两个独立的 Downloader 模拟两个进程，各自拥有临时文件。
	first := newTestDownloader(t, Options{Cache: c})
	second := newTestDownloader(t, Options{Cache: c})

	var g errgroup.Group
	paths := make([]string, 2)
	for i, d := range []*Downloader{first, second} {
		g.Go(func() error {
			p, err := d.Download(context.Background(), url)
			paths[i] = p
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, paths[0], paths[1])

	got, err := os.ReadFile(c.BlobPath(blobName))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	entries, err := os.ReadDir(c.TempDir())
	require.NoError(t, err)
	require.Empty(t, entries, "every temp file is promoted, none masquerades as the blob")
}

func TestDownloadCollapsesConcurrentCallers(t *testing.T) {
	release := make(chan struct{})
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		payloadHandler([]byte("shared"))(w, r)
	})
	d := newTestDownloader(t, Options{Cache: newTestCache(t)})
	url := stub.URL + "/" + blobName

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = d.Download(context.Background(), url)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, stub.Requests(), 1)
}

func TestDownloadCallerCancellationIsIsolated(t *testing.T) {
	payload := bytes.Repeat([]byte("shared"), 1000)
	release := make(chan struct{})
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		payloadHandler(payload)(w, r)
	})
	c := newTestCache(t)
	d := newTestDownloader(t, Options{Cache: c})
	url := stub.URL + "/" + blobName

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Download(firstCtx, url)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return len(stub.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	secondDone := make(chan struct{})
	var secondPath string
	var secondErr error
	go func() {
		defer close(secondDone)
		secondPath, secondErr = d.Download(context.Background(), url)
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, apierr.KindRequest, apierr.KindOf(err))

	close(release)
	<-secondDone
	require.NoError(t, secondErr, "one caller giving up must not fail the others")
	got, err := os.ReadFile(secondPath)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Len(t, stub.Requests(), 1)
}

func TestDownloadThrottled(t *testing.T) {
	payload := bytes.Repeat([]byte("t"), 4096)
	stub := newUpstreamStub(t, payloadHandler(payload))
	d := newTestDownloader(t, Options{Cache: newTestCache(t), BytesPerSecond: 1 << 20})

	path, err := d.Download(context.Background(), stub.URL+"/"+blobName)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDownloadHeaderErrors(t *testing.T) {
	cases := map[string]struct {
		value string
		kind  apierr.Kind
	}{
		"not a number": {"abc", apierr.KindParseInt},
		"not utf8":     {"\xff\xfe", apierr.KindHeaderNotUTF8},
		"negative":     {"-5", apierr.KindInvalidHeader},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode:    http.StatusOK,
					Status:        "200 OK",
					Header:        http.Header{"Content-Length": []string{tc.value}},
					Body:          io.NopCloser(strings.NewReader("body")),
					ContentLength: -1,
					Request:       r,
				}, nil
			})}
			c := newTestCache(t)
			d := newTestDownloader(t, Options{Cache: c, Client: client})

			_, err := d.Download(context.Background(), "https://example.com/"+blobName)
			require.Equal(t, tc.kind, apierr.KindOf(err))
			require.NoFileExists(t, c.BlobPath(blobName))
		})
	}
}

func TestDownloadTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	})}
	d := newTestDownloader(t, Options{Cache: newTestCache(t), Client: client})

	_, err := d.Download(context.Background(), "https://example.com/"+blobName)
	require.Equal(t, apierr.KindRequest, apierr.KindOf(err))
	require.ErrorIs(t, err, boom)
}

func TestDownloadBodyReadErrorLeavesTemp(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Status:        "200 OK",
			Header:        http.Header{},
			Body:          io.NopCloser(io.MultiReader(strings.NewReader("partial"), failingReader{})),
			ContentLength: 100,
			Request:       r,
		}, nil
	})}
	c := newTestCache(t)
	reporter := &recordingReporter{}
	d := newTestDownloader(t, Options{
		Cache:       c,
		Client:      client,
		NewReporter: func() progress.Reporter { return reporter },
	})

	url := "https://example.com/" + blobName
	_, err := d.Download(context.Background(), url)
	require.Equal(t, apierr.KindRequest, apierr.KindOf(err))
	require.NoFileExists(t, c.BlobPath(blobName))
	require.Equal(t, "Download of "+url+" failed", reporter.finished, "the bar is finished on failure too")

	entries, err := os.ReadDir(c.TempDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := os.ReadFile(filepath.Join(c.TempDir(), entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, "partial", string(got))
}

func TestDownloadRejectsInvalidUserAgent(t *testing.T) {
	stub := newUpstreamStub(t, payloadHandler([]byte("x")))
	d := newTestDownloader(t, Options{Cache: newTestCache(t), UserAgent: "bad\r\nX-Injected: 1"})

	_, err := d.Download(context.Background(), stub.URL+"/"+blobName)
	require.Equal(t, apierr.KindInvalidHeaderValue, apierr.KindOf(err))
	require.Empty(t, stub.Requests())
}

func TestDownloadRejectsURLWithoutName(t *testing.T) {
	d := newTestDownloader(t, Options{Cache: newTestCache(t)})
	_, err := d.Download(context.Background(), "https://example.com/")
	require.Equal(t, apierr.KindRequest, apierr.KindOf(err))
}

func TestNewRequiresCache(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

// waitForPartialTemp 等待临时文件写入至少 size 字节并返回其路径。
func waitForPartialTemp(t *testing.T, c *cache.Cache, size int64) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(c.TempDir())
		for _, entry := range entries {
			info, err := entry.Info()
			if err == nil && info.Size() >= size {
				return filepath.Join(c.TempDir(), entry.Name())
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("temp file never reached %d bytes", size)
	return ""
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(filepath.Join(t.TempDir(), "bookcorpus"))
	require.NoError(t, err)
	return c
}

func newTestDownloader(t *testing.T, opts Options) *Downloader {
	t.Helper()
	d, err := New(opts)
	require.NoError(t, err)
	return d
}
