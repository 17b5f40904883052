package archive

import (
	"compress/bzip2"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/dataset-hub/bookcorpus/internal/apierr"
)

// decompressor 按后缀选择解压实现。
type decompressor struct {
	suffix string
	open   func(r io.Reader) (io.ReadCloser, error)
}

var decompressors = []decompressor{
	{
		suffix: ".bz2",
		open: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(bzip2.NewReader(r)), nil
		},
	},
	{
		suffix: ".gz",
		open: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	},
	{
		suffix: ".zst",
		open: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
	},
}

func lookupDecompressor(path string) (decompressor, bool) {
	for _, d := range decompressors {
		if strings.HasSuffix(path, d.suffix) {
			return d, true
		}
	}
	return decompressor{}, false
}

// DecompressedPath 去掉末尾的压缩后缀；无已知后缀时原样返回（视为未压缩的 tar）。
func DecompressedPath(blobPath string) string {
	if d, ok := lookupDecompressor(blobPath); ok {
		return strings.TrimSuffix(blobPath, d.suffix)
	}
	return blobPath
}

// Decompress 将 blob 解压到 DecompressedPath。目标已存在时直接信任并跳过；
// 解压先写入临时文件再 rename，中途失败不会留下被信任的半成品。
func (e *Extractor) Decompress(blobPath string) (string, error) {
	target := DecompressedPath(blobPath)
	if target == blobPath {
		return target, nil
	}
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	d, _ := lookupDecompressor(blobPath)
	in, err := os.Open(blobPath)
	if err != nil {
		return "", apierr.New(apierr.KindArchive, "open blob", err)
	}
	defer in.Close()

	reader, err := d.open(in)
	if err != nil {
		return "", apierr.New(apierr.KindArchive, "open "+strings.TrimPrefix(d.suffix, ".")+" stream", err)
	}
	defer reader.Close()

	tempPath, err := e.cache.TempPath()
	if err != nil {
		return "", apierr.New(apierr.KindArchive, "create temp dir", err)
	}
	out, err := os.Create(tempPath)
	if err != nil {
		return "", apierr.New(apierr.KindArchive, "create temp file", err)
	}

	_, err = io.CopyBuffer(out, reader, make([]byte, copyBufferSize))
	if err != nil {
		err = apierr.New(apierr.KindArchive, "decompress", err)
	} else if syncErr := out.Sync(); syncErr != nil {
		err = apierr.New(apierr.KindArchive, "sync decompressed file", syncErr)
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = apierr.New(apierr.KindArchive, "close decompressed file", closeErr)
	}
	if err != nil {
		os.Remove(tempPath)
		return "", err
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return "", apierr.New(apierr.KindArchive, "promote decompressed file", err)
	}
	return target, nil
}
