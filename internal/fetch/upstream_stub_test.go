package fetch

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"
)

// upstreamStub 模拟对象存储，记录每次请求，便于断言是否发生网络传输。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest 捕获每次请求的方法/路径/Headers。
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

func newUpstreamStub(t *testing.T, handler http.HandlerFunc) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{}
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		handler(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: wrapped}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

// payloadHandler 以固定 Content-Length 返回 payload。
func payloadHandler(payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}
}

func (s *upstreamStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *upstreamStub) recordRequest(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
	})
}

func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// recordingReporter 记录 Start/SetPosition/Finish 调用序列。
type recordingReporter struct {
	mu        sync.Mutex
	total     int64
	positions []int64
	started   string
	finished  string
}

func (r *recordingReporter) Start(message string, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = message
	r.total = total
}

func (r *recordingReporter) SetPosition(pos int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, pos)
}

func (r *recordingReporter) Finish(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = message
}

// roundTripFunc 允许直接构造响应，绕过真实网络。
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
