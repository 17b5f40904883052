package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafePath 表示成员路径试图逃逸缓存根目录。
var ErrUnsafePath = errors.New("path escapes cache root")

// NameFromURL 取 URL 路径最后一个 "/" 之后的部分作为 blob 文件名。
func NameFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	p := u.Path
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		p = p[idx+1:]
	}
	if p == "" || p == "." || p == ".." {
		return "", fmt.Errorf("url %q has no file name", raw)
	}
	return p, nil
}

// SafeJoin 将归档内的相对路径解析到 root 下；绝对路径或 ".." 逃逸一律拒绝。
func SafeJoin(root, member string) (string, error) {
	slashed := filepath.ToSlash(member)
	if slashed == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafePath)
	}
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(member) || filepath.VolumeName(member) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, member)
	}

	rel := path.Clean(slashed)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, member)
	}

	target := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, member)
	}
	return target, nil
}

func within(root, target string) bool {
	if target == root {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
