// Package pool 은 수집/archive 경로에서 재사용하는 버퍼 모음.
//
// 수집 경로는 요청마다 body 버퍼를, archive 경로는 배치마다
// gzip 결과 버퍼와 gzip.Writer 를 필요로 한다. 타입 단언은 여기서만 한다.
package pool

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const (
	bodyInitCap   = 4 * 1024
	bufferInitCap = 256 * 1024

	// MaxBufferCap 보다 커진 archive 버퍼는 GC 에 맡긴다.
	MaxBufferCap = 1 * 1024 * 1024
)

var (
	bodyPool = sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, bodyInitCap)) },
	}
	bufferPool = sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, bufferInitCap)) },
	}
	// 압축률보다 배치 지연이 중요해서 BestSpeed.
	gzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// GetBody 는 비어 있는 요청 body 버퍼를 준다.
func GetBody() *bytes.Buffer {
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBody: maxCap(보통 MaxBodySize*2) 보다 커진 버퍼는 반환하지 않는다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		bodyPool.Put(buf)
	}
}

// GetBuffer 는 archive 직렬화용 버퍼.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		bufferPool.Put(buf)
	}
}

// GetGzip 은 w 로 쓰도록 Reset 된 gzip.Writer 를 준다.
func GetGzip(w io.Writer) *gzip.Writer {
	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(w)
	return gz
}

// PutGzip 전에 호출측이 Close 해야 한다.
func PutGzip(gz *gzip.Writer) {
	gzipPool.Put(gz)
}
