package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dataset-hub/bookcorpus/internal/apierr"
	"github.com/dataset-hub/bookcorpus/internal/cache"
	"github.com/dataset-hub/bookcorpus/internal/httpclient"
	"github.com/dataset-hub/bookcorpus/internal/logging"
	"github.com/dataset-hub/bookcorpus/internal/progress"
)

const chunkSize = 32 * 1024

// Options 汇总 Downloader 的依赖，零值字段使用默认实现。
type Options struct {
	Cache  *cache.Cache
	Client *http.Client
	Logger *logrus.Logger
	// NewReporter 为每次网络传输创建进度条；nil 时不展示进度。
	NewReporter func() progress.Reporter
	UserAgent   string
	// BytesPerSecond > 0 时对响应体限速。
	BytesPerSecond int64
}

// Downloader 负责 URL → BlobPath 的缓存下载。
type Downloader struct {
	cache       *cache.Cache
	client      *http.Client
	logger      *logrus.Logger
	newReporter func() progress.Reporter
	userAgent   string
	limit       int64

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// New 校验依赖并构造 Downloader。
func New(opts Options) (*Downloader, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache required")
	}
	client := opts.Client
	if client == nil {
		var err error
		if client, err = httpclient.New(httpclient.Options{}); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	newReporter := opts.NewReporter
	if newReporter == nil {
		newReporter = func() progress.Reporter { return progress.Nop{} }
	}
	return &Downloader{
		cache:       opts.Cache,
		client:      client,
		logger:      logger,
		newReporter: newReporter,
		userAgent:   opts.UserAgent,
		limit:       opts.BytesPerSecond,
		flights:     map[string]*flight{},
	}, nil
}

// Download 返回 url 对应的本地 blob 路径。blob 已存在即视为命中，不发起任何请求；
// 同一 Downloader 上对同一 URL 的并发调用合并为一次传输；
// 某个调用方取消只影响它自己，最后一个等待者放弃时传输才被取消。
func (d *Downloader) Download(ctx context.Context, rawURL string) (string, error) {
	name, err := cache.NameFromURL(rawURL)
	if err != nil {
		return "", apierr.New(apierr.KindRequest, "resolve blob name", err)
	}
	blobPath := d.cache.BlobPath(name)

	if exists(blobPath) {
		d.logger.WithFields(logging.DownloadFields(rawURL, blobPath, true)).Debug("download_cache_hit")
		return blobPath, nil
	}

	for {
		f := d.join(blobPath, ctx)
		ch := d.group.DoChan(blobPath, func() (interface{}, error) {
			if exists(blobPath) {
				return blobPath, nil
			}
			return blobPath, d.fetch(f.ctx, rawURL, blobPath)
		})

		select {
		case res := <-ch:
			d.leave(blobPath, f)
			if res.Err != nil {
				// 共享传输因其他等待者全部放弃而取消，自身 ctx 仍有效时重新发起。
				if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return "", res.Err
			}
			return res.Val.(string), nil
		case <-ctx.Done():
			if d.leave(blobPath, f) {
				<-ch
			}
			return "", apierr.New(apierr.KindRequest, "wait for download", ctx.Err())
		}
	}
}

func (d *Downloader) fetch(ctx context.Context, rawURL, blobPath string) error {
	started := time.Now()
	fields := logging.DownloadFields(rawURL, blobPath, false)
	fields["download_id"] = uuid.NewString()

	tempPath, written, err := d.downloadTemp(ctx, rawURL, blobPath)
	fields["temp"] = tempPath
	fields["bytes"] = written
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error_kind"] = apierr.KindOf(err).String()
		d.logger.WithFields(fields).WithError(err).Error("download_failed")
		return err
	}
	d.logger.WithFields(fields).Info("download_complete")
	return nil
}

// downloadTemp 将响应体写入新的临时文件，成功后 rename 到 blobPath。
// 任何失败都保留临时文件，不做清理。
func (d *Downloader) downloadTemp(ctx context.Context, rawURL, blobPath string) (string, int64, error) {
	tempPath, err := d.cache.TempPath()
	if err != nil {
		return "", 0, apierr.New(apierr.KindIO, "create temp dir", err)
	}

	req, err := d.buildRequest(ctx, rawURL)
	if err != nil {
		return tempPath, 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return tempPath, 0, apierr.New(apierr.KindRequest, "send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, chunkSize))
		return tempPath, 0, apierr.InvalidResponse(resp)
	}

	total, err := contentLength(resp)
	if err != nil {
		return tempPath, 0, err
	}

	out, err := os.Create(tempPath)
	if err != nil {
		return tempPath, 0, apierr.New(apierr.KindIO, fmt.Sprintf("create %s", tempPath), err)
	}

	var body io.Reader = resp.Body
	if d.limit > 0 {
		body = ratelimit.Reader(body, ratelimit.NewBucketWithRate(float64(d.limit), d.limit))
	}

	reporter := d.newReporter()
	reporter.Start(fmt.Sprintf("Downloading %s", rawURL), total)

	written, err := streamBody(ctx, out, body, total, reporter.SetPosition)
	if err == nil {
		if syncErr := out.Sync(); syncErr != nil {
			err = apierr.New(apierr.KindIO, "sync temp file", syncErr)
		}
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = apierr.New(apierr.KindIO, "close temp file", closeErr)
	}
	if err == nil {
		if renameErr := os.Rename(tempPath, blobPath); renameErr != nil {
			err = apierr.New(apierr.KindIO, "promote blob", renameErr)
		}
	}
	if err != nil {
		reporter.Finish(fmt.Sprintf("Download of %s failed", rawURL))
		return tempPath, written, err
	}

	reporter.Finish(fmt.Sprintf("Downloaded %s to %s", rawURL, blobPath))
	return tempPath, written, nil
}

func (d *Downloader) buildRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apierr.New(apierr.KindRequest, "build request", err)
	}
	if d.userAgent != "" {
		if !httpclient.ValidHeaderValue(d.userAgent) {
			return nil, apierr.HeaderError(apierr.KindInvalidHeaderValue, "User-Agent", fmt.Errorf("%q", d.userAgent))
		}
		req.Header.Set("User-Agent", d.userAgent)
	}
	return req, nil
}

// streamBody 逐块复制响应体：读错误归为 Request，写错误归为 IO。
// downloaded 在每次成功写入后推进，已知总量时截断到 total。
func streamBody(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress func(int64)) (int64, error) {
	var written, downloaded int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return written, apierr.New(apierr.KindRequest, "read body", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			written += int64(w)
			if wErr == nil && w < n {
				wErr = io.ErrShortWrite
			}
			if wErr != nil {
				return written, apierr.New(apierr.KindIO, "write temp file", wErr)
			}
			downloaded += int64(n)
			if total > 0 && downloaded > total {
				downloaded = total
			}
			onProgress(downloaded)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, apierr.New(apierr.KindRequest, "read body", readErr)
		}
	}
}

// contentLength 读取 Content-Length；缺失时返回 -1 表示总量未知。
func contentLength(resp *http.Response) (int64, error) {
	raw := resp.Header.Get("Content-Length")
	if raw == "" {
		return resp.ContentLength, nil
	}
	if !utf8.ValidString(raw) {
		return 0, apierr.HeaderError(apierr.KindHeaderNotUTF8, "Content-Length", nil)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, apierr.HeaderError(apierr.KindParseInt, "Content-Length", err)
	}
	if size < 0 {
		return 0, apierr.HeaderError(apierr.KindInvalidHeader, "Content-Length", fmt.Errorf("negative value %d", size))
	}
	return size, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
