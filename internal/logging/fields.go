package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 下载地址等基础字段，便于不同入口复用。
func BaseFields(action, url string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"url":    url,
	}
}

// DownloadFields 提供 blob 路径与命中状态字段，供下载日志复用。
func DownloadFields(url, blob string, cacheHit bool) logrus.Fields {
	fields := BaseFields("download", url)
	fields["blob"] = blob
	fields["cache_hit"] = cacheHit
	return fields
}

// ExtractFields 提供解压阶段的归档与目标目录字段。
func ExtractFields(archive, root string) logrus.Fields {
	return logrus.Fields{
		"action":  "extract",
		"archive": archive,
		"root":    root,
	}
}
