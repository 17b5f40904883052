// Package apierr defines the flat error-kind enumeration shared by the cache,
// downloader and extractor. Every failure surfaced by the core carries exactly
// one Kind so the CLI can translate it into a message and exit code without
// inspecting error strings.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 标识错误来源，扁平枚举，不做层级。
type Kind int

const (
	// KindUnknown 表示错误未携带 Kind（非本包产生）。
	KindUnknown Kind = iota
	// KindMissingHeader 期望的响应头缺失。
	KindMissingHeader
	// KindInvalidHeader 响应头存在但无法解析。
	KindInvalidHeader
	// KindInvalidHeaderValue 构建请求时头部取值非法。
	KindInvalidHeaderValue
	// KindHeaderNotUTF8 头部字节不是合法文本。
	KindHeaderNotUTF8
	// KindRequest 传输层 HTTP 失败。
	KindRequest
	// KindParseInt 数值型响应头解析失败。
	KindParseInt
	// KindIO 文件系统或流 I/O 失败。
	KindIO
	// KindTooManyRetries 预留，当前不会产生。
	KindTooManyRetries
	// KindInvalidResponse 上游返回非 2xx，Error.Response 携带原始响应。
	KindInvalidResponse
	// KindArchive bzip2/tar 等归档处理失败。
	KindArchive
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindMissingHeader:      "missing_header",
	KindInvalidHeader:      "invalid_header",
	KindInvalidHeaderValue: "invalid_header_value",
	KindHeaderNotUTF8:      "header_not_utf8",
	KindRequest:            "request",
	KindParseInt:           "parse_int",
	KindIO:                 "io",
	KindTooManyRetries:     "too_many_retries",
	KindInvalidResponse:    "invalid_response",
	KindArchive:            "archive",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error 携带 Kind、操作名以及底层错误；InvalidResponse 额外附带 *http.Response。
type Error struct {
	Kind     Kind
	Op       string
	Header   string
	Response *http.Response
	Err      error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindMissingHeader:
		msg = fmt.Sprintf("header %s is missing", e.Header)
	case KindInvalidHeader:
		msg = fmt.Sprintf("header %s is invalid", e.Header)
	case KindInvalidHeaderValue:
		msg = fmt.Sprintf("invalid header value for %s", e.Header)
	case KindHeaderNotUTF8:
		msg = fmt.Sprintf("header %s is not a string", e.Header)
	case KindRequest:
		msg = "request error"
	case KindParseInt:
		msg = "cannot parse int"
	case KindIO:
		msg = "I/O error"
	case KindTooManyRetries:
		msg = "too many retries"
	case KindInvalidResponse:
		if e.Response != nil {
			msg = fmt.Sprintf("invalid response: %s", e.Response.Status)
		} else {
			msg = "invalid response"
		}
	case KindArchive:
		msg = "archive error"
	default:
		msg = "error"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 允许 errors.Is(err, &Error{Kind: k}) 按 Kind 匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New 构造指定 Kind 的错误。
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HeaderError 构造与具体响应头相关的错误。
func HeaderError(kind Kind, header string, err error) *Error {
	return &Error{Kind: kind, Op: "header", Header: header, Err: err}
}

// InvalidResponse 包装非 2xx 响应，调用方负责在返回前关闭 Body。
func InvalidResponse(resp *http.Response) *Error {
	return &Error{Kind: KindInvalidResponse, Op: "response", Response: resp}
}

// KindOf 穿透包装链返回第一个 *Error 的 Kind。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ResponseOf 返回 InvalidResponse 附带的响应，不存在时返回 nil。
func ResponseOf(err error) *http.Response {
	var e *Error
	if errors.As(err, &e) {
		return e.Response
	}
	return nil
}
