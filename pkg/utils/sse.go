package utils

import (
	"errors"
	"io"
	"net/http"
)

// ErrStreamingUnsupported 表示 ResponseWriter 不支持 Flush
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// RelaySSE 将上游事件流原样转发给客户端，每次读取后立即 Flush。
// 返回已写出的字节数；客户端断开或上游出错时返回对应错误。
func RelaySSE(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return 0, ErrStreamingUnsupported
	}

	SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 4096)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			flusher.Flush()
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
