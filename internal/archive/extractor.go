package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dataset-hub/bookcorpus/internal/apierr"
	"github.com/dataset-hub/bookcorpus/internal/cache"
	"github.com/dataset-hub/bookcorpus/internal/logging"
)

const copyBufferSize = 32 * 1024

// Options 汇总 Extractor 的依赖。
type Options struct {
	Cache  *cache.Cache
	Logger *logrus.Logger
}

// Extractor 负责 blob → tar → 缓存根目录的解压流程。
type Extractor struct {
	cache  *cache.Cache
	logger *logrus.Logger
}

// New 构造 Extractor，Logger 为空时丢弃日志。
func New(opts Options) (*Extractor, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Extractor{cache: opts.Cache, logger: logger}, nil
}

// Unzip 解压 blob 并将 tar 成员释放到缓存根目录，返回 tar 头中记录的成员名（保持顺序）。
// blob 只需存在即可，不要求先经过 Download。
func (e *Extractor) Unzip(ctx context.Context, blobPath string) ([]string, error) {
	started := time.Now()
	fields := logging.ExtractFields(blobPath, e.cache.Root())

	if _, err := os.Stat(blobPath); err != nil {
		return nil, apierr.New(apierr.KindArchive, "stat blob", err)
	}

	unlock := e.cache.Lock(filepath.Base(DecompressedPath(blobPath)))
	defer unlock()

	tarPath, err := e.Decompress(blobPath)
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Error("decompress_failed")
		return nil, err
	}

	members, err := e.Extract(ctx, tarPath)
	fields["members"] = len(members)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Error("extract_failed")
		return nil, err
	}
	e.logger.WithFields(fields).Info("extract_complete")
	return members, nil
}

// Extract 先完整读取一遍 tar 头并校验路径，全部安全后再覆盖写入缓存根目录。
// 写入经由 os.Root 完成，磁盘上已有的符号链接也无法把写操作带出根目录。
// ctx 仅在成员之间检查，单个成员写入过程中不可取消。
func (e *Extractor) Extract(ctx context.Context, tarPath string) ([]string, error) {
	root := e.cache.Root()
	members, err := scan(tarPath, root)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tarPath)
	if err != nil {
		return nil, apierr.New(apierr.KindArchive, "open tar", err)
	}
	defer f.Close()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apierr.New(apierr.KindArchive, "create cache root", err)
	}
	dst, err := os.OpenRoot(root)
	if err != nil {
		return nil, apierr.New(apierr.KindArchive, "open cache root", err)
	}
	defer dst.Close()

	guard := newLinkGuard()
	buf := make([]byte, copyBufferSize)
	tr := tar.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, apierr.New(apierr.KindArchive, "extract", err)
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apierr.New(apierr.KindArchive, "read tar header", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		rel, err := guard.resolve(root, hdr)
		if err != nil {
			return nil, apierr.New(apierr.KindArchive, "validate member", err)
		}
		if err := writeMember(dst, rel, hdr, tr, buf); err != nil {
			return nil, apierr.New(apierr.KindArchive, fmt.Sprintf("extract %s", hdr.Name), err)
		}
	}
	return members, nil
}

// Members 重新读取 tar 头，返回成员名列表（与目录扫描无关）。
func (e *Extractor) Members(tarPath string) ([]string, error) {
	return scan(tarPath, e.cache.Root())
}

// scan 按顺序收集成员名，并拒绝任何会逃逸 root 的成员或链接。
func scan(tarPath, root string) ([]string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, apierr.New(apierr.KindArchive, "open tar", err)
	}
	defer f.Close()

	var members []string
	guard := newLinkGuard()
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return members, nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return nil, apierr.New(apierr.KindArchive, "validate member", fmt.Errorf("%w: %s", cache.ErrUnsafePath, hdr.Name))
		}
		if err != nil {
			return nil, apierr.New(apierr.KindArchive, "read tar header", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if _, err := guard.resolve(root, hdr); err != nil {
			return nil, apierr.New(apierr.KindArchive, "validate member", err)
		}
		members = append(members, hdr.Name)
	}
}

// linkGuard 记录归档中已出现的符号链接成员，任何经由它们解析的路径都被拒绝。
type linkGuard struct {
	symlinks map[string]bool
}

func newLinkGuard() *linkGuard {
	return &linkGuard{symlinks: map[string]bool{}}
}

// resolve 返回成员相对 root 的路径（斜杠分隔）。符号链接与硬链接的指向也必须留在 root 内。
func (g *linkGuard) resolve(root string, hdr *tar.Header) (string, error) {
	if _, err := cache.SafeJoin(root, hdr.Name); err != nil {
		return "", err
	}
	parts, err := g.walk(nil, hdr.Name)
	if err != nil {
		return "", err
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		if len(parts) == 0 || hdr.Linkname == "" || path.IsAbs(filepath.ToSlash(hdr.Linkname)) || filepath.IsAbs(hdr.Linkname) {
			return "", fmt.Errorf("%w: symlink %s -> %s", cache.ErrUnsafePath, hdr.Name, hdr.Linkname)
		}
		if _, err := g.walk(parts[:len(parts)-1], hdr.Linkname); err != nil {
			return "", fmt.Errorf("symlink %s: %w", hdr.Name, err)
		}
	case tar.TypeLink:
		if _, err := cache.SafeJoin(root, hdr.Linkname); err != nil {
			return "", err
		}
		if _, err := g.walk(nil, hdr.Linkname); err != nil {
			return "", fmt.Errorf("hardlink %s: %w", hdr.Name, err)
		}
	}

	rel := path.Join(parts...)
	if rel == "" {
		rel = "."
	}
	if hdr.Typeflag == tar.TypeSymlink {
		g.symlinks[rel] = true
	} else {
		delete(g.symlinks, rel)
	}
	return rel, nil
}

// walk 从 base 出发逐段解析 name，不做词法折叠：穿过已记录的符号链接或越过 root 均视为逃逸。
func (g *linkGuard) walk(base []string, name string) ([]string, error) {
	parts := append([]string(nil), base...)
	segs := strings.Split(filepath.ToSlash(name), "/")
	for i, seg := range segs {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return nil, fmt.Errorf("%w: %s", cache.ErrUnsafePath, name)
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
			if i < len(segs)-1 && g.symlinks[path.Join(parts...)] {
				return nil, fmt.Errorf("%w: %s passes through symlink %s", cache.ErrUnsafePath, name, path.Join(parts...))
			}
		}
	}
	return parts, nil
}

func writeMember(dst *os.Root, rel string, hdr *tar.Header, r io.Reader, buf []byte) error {
	name := filepath.FromSlash(rel)
	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		return dst.MkdirAll(name, 0o755)
	case tar.TypeSymlink:
		if err := prepareTarget(dst, name); err != nil {
			return err
		}
		return dst.Symlink(hdr.Linkname, name)
	case tar.TypeLink:
		if err := prepareTarget(dst, name); err != nil {
			return err
		}
		return dst.Link(filepath.FromSlash(path.Clean(filepath.ToSlash(hdr.Linkname))), name)
	}

	if !mode.IsRegular() {
		// 设备文件、FIFO 等不落盘。
		return nil
	}
	if err := prepareTarget(dst, name); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := dst.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(out, r, buf); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return dst.Chmod(name, perm)
}

// prepareTarget 创建父目录，并移除已存在的非目录条目，避免沿旧符号链接写入。
func prepareTarget(dst *os.Root, name string) error {
	if dir := filepath.Dir(name); dir != "." {
		if err := dst.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	info, err := dst.Lstat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s exists as a directory", name)
	}
	return dst.Remove(name)
}
