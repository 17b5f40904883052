package cache

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultName 为语料名，追加在缓存根目录末尾。
	DefaultName = "bookcorpus"
	// EnvHome 覆盖缓存根目录的环境变量。
	EnvHome = "DATASET_HOME"

	tempDirName = "tmp"
	tokenLength = 7
	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Cache 固定一个根目录，生命周期内不再重新读取环境变量。
type Cache struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// New 以 root 为根目录构建缓存；目录无需存在，首次写入时创建。
func New(root string) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	return &Cache{
		root:  abs,
		locks: make(map[string]*entryLock),
	}, nil
}

// FromEnv 读取 DATASET_HOME（缺省时使用 ~/.cache/datasets），并追加语料名。
func FromEnv(name string) (*Cache, error) {
	root, err := ResolveRoot(os.Getenv(EnvHome), name)
	if err != nil {
		return nil, err
	}
	return New(root)
}

// ResolveRoot 计算缓存根目录：home 非空时原样使用，否则取用户主目录下的 .cache/datasets。
func ResolveRoot(home, name string) (string, error) {
	if name == "" {
		name = DefaultName
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cache directory cannot be found: %w", err)
		}
		home = filepath.Join(userHome, ".cache", "datasets")
	}
	return filepath.Join(home, name), nil
}

// Root 返回缓存根目录。
func (c *Cache) Root() string {
	return c.root
}

// BlobPath 返回 root/name，不做任何 I/O。
func (c *Cache) BlobPath(name string) string {
	return filepath.Join(c.root, name)
}

// TempDir 返回存放下载中文件的目录。
func (c *Cache) TempDir() string {
	return filepath.Join(c.root, tempDirName)
}

// TempPath 确保 tmp/ 存在并返回 tmp/<7 位字母数字>。碰撞概率可忽略，不做重试。
func (c *Cache) TempPath() (string, error) {
	dir := c.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, randomToken(tokenLength)), nil
}

// Lock 获取 name 对应的进程内互斥锁，返回的函数用于释放。
func (c *Cache) Lock(name string) func() {
	c.mu.Lock()
	lock := c.locks[name]
	if lock == nil {
		lock = &entryLock{}
		c.locks[name] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, name)
		}
		c.mu.Unlock()
	}
}

func randomToken(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(buf)
}
