package uploader

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/hashing"
)

// collectSink 把切分事件收进内存，供断言使用
type collectSink struct {
	mu        sync.Mutex
	chunks    []*Chunk
	wholeHash string
	drained   chan struct{}
	err       error
}

func newCollectSink() *collectSink {
	return &collectSink{drained: make(chan struct{})}
}

func (s *collectSink) OnChunks(batch []*Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, batch...)
}

func (s *collectSink) OnWholeHash(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wholeHash = hash
}

func (s *collectSink) OnDrain() {
	close(s.drained)
}

func (s *collectSink) OnSplitError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.drained)
}

func (s *collectSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("切分未在限期内完成")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		t.Fatalf("切分返回错误: %v", s.err)
	}
}

func runSplitter(t *testing.T, data []byte, chunkSize int64, parallel bool) *collectSink {
	t.Helper()
	sink := newCollectSink()
	splitter := NewSplitter(bytes.NewReader(data), int64(len(data)), chunkSize, parallel, sink)
	splitter.Split(context.Background())
	sink.wait(t)
	return sink
}

func TestSplitterBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		fileSize  int64
		chunkSize int64
		wantN     int
		wantLast  int64 // 最后一片的字节数
	}{
		{name: "单片小文件", fileSize: 1024, chunkSize: 4096, wantN: 1, wantLast: 1024},
		{name: "整数倍", fileSize: 8192, chunkSize: 4096, wantN: 2, wantLast: 4096},
		{name: "不整除的尾片", fileSize: 10000, chunkSize: 4096, wantN: 3, wantLast: 10000 - 2*4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.fileSize)
			for i := range data {
				data[i] = byte(i)
			}
			sink := runSplitter(t, data, tt.chunkSize, false)

			if len(sink.chunks) != tt.wantN {
				t.Fatalf("分片数 = %d, 期望 %d", len(sink.chunks), tt.wantN)
			}
			sort.Slice(sink.chunks, func(i, j int) bool { return sink.chunks[i].Index < sink.chunks[j].Index })

			for i, chunk := range sink.chunks {
				if chunk.Index != i {
					t.Errorf("序号不连续: %d", chunk.Index)
				}
				if chunk.Start != int64(i)*tt.chunkSize {
					t.Errorf("分片 %d 起始偏移 = %d", i, chunk.Start)
				}
			}
			last := sink.chunks[tt.wantN-1]
			if last.Size() != tt.wantLast {
				t.Errorf("尾片大小 = %d, 期望 %d", last.Size(), tt.wantLast)
			}
		})
	}
}

func TestSplitterDigests(t *testing.T) {
	const chunkSize = 1024
	data := make([]byte, 5*chunkSize+100)
	for i := range data {
		data[i] = byte(i * 3)
	}

	for _, parallel := range []bool{false, true} {
		name := "内联"
		if parallel {
			name = "并行"
		}
		t.Run(name, func(t *testing.T) {
			sink := runSplitter(t, data, chunkSize, parallel)
			sort.Slice(sink.chunks, func(i, j int) bool { return sink.chunks[i].Index < sink.chunks[j].Index })

			digests := make([]string, len(sink.chunks))
			for i, chunk := range sink.chunks {
				want := hashing.DigestBytes(data[chunk.Start:chunk.End])
				if chunk.Digest != want {
					t.Errorf("分片 %d 摘要 = %s, 期望 %s", i, chunk.Digest, want)
				}
				digests[i] = chunk.Digest
			}

			// 整文件摘要必须等于按序号折叠分片摘要的结果
			if want := hashing.Fold(digests); sink.wholeHash != want {
				t.Errorf("整文件摘要 = %s, 期望 %s", sink.wholeHash, want)
			}
		})
	}
}

func TestSplitterParallelMatchesInline(t *testing.T) {
	const chunkSize = 512
	data := make([]byte, 20*chunkSize+7)
	for i := range data {
		data[i] = byte(i * 13)
	}

	inline := runSplitter(t, data, chunkSize, false)
	parallel := runSplitter(t, data, chunkSize, true)

	// 两种实现对同样的输入必须给出同样的整文件摘要
	if inline.wholeHash != parallel.wholeHash {
		t.Errorf("并行与内联的整文件摘要不一致: %s vs %s", parallel.wholeHash, inline.wholeHash)
	}
}

func TestSplitterSingleShot(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 2048)
	sink := newCollectSink()
	splitter := NewSplitter(bytes.NewReader(data), int64(len(data)), 1024, false, sink)

	splitter.Split(context.Background())
	// 第二次调用是空操作，不会重复发事件（重复发会对已关闭的通道二次 close 而 panic）
	splitter.Split(context.Background())
	sink.wait(t)

	if len(sink.chunks) != 2 {
		t.Errorf("分片数 = %d, 期望 2", len(sink.chunks))
	}
}
