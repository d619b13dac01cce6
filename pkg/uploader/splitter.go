/*
 * @Description: 文件切分与并行指纹计算
 * @Author: 安知鱼
 * @Date: 2025-08-04 10:05:38
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package uploader

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/hashing"
)

// SplitSink 接收切分过程产生的事件。
// OnChunks 的各批次可能乱序到达，批内描述符携带原始序号；
// OnWholeHash 与 OnDrain 在全部分片计算完成后依次各触发一次。
type SplitSink interface {
	OnChunks(batch []*Chunk)
	OnWholeHash(hash string)
	OnDrain()
	OnSplitError(err error)
}

// Splitter 把源文件切分为带指纹的分片流。
// Split 是一次性操作，重复调用是空操作。
type Splitter interface {
	Split(ctx context.Context)
}

// NewSplitter 根据 parallel 开关选择并行或内联实现
func NewSplitter(src io.ReaderAt, fileSize, chunkSize int64, parallel bool, sink SplitSink) Splitter {
	if parallel {
		return newParallelSplitter(src, fileSize, chunkSize, sink)
	}
	return newInlineSplitter(src, fileSize, chunkSize, sink)
}

// --- 并行实现 ---

// parallelSplitter 把指纹计算分派给一组 worker。
// worker 数取 CPU 数与分片数的较小值；每个 worker 负责一段连续的
// 分片区间，算完整段立即上报，上传侧不必等所有分片都算完。
type parallelSplitter struct {
	chunks []*Chunk
	sink   SplitSink
	once   sync.Once
}

func newParallelSplitter(src io.ReaderAt, fileSize, chunkSize int64, sink SplitSink) *parallelSplitter {
	return &parallelSplitter{
		chunks: buildChunks(src, fileSize, chunkSize),
		sink:   sink,
	}
}

func (s *parallelSplitter) Split(ctx context.Context) {
	s.once.Do(func() {
		go s.run(ctx)
	})
}

func (s *parallelSplitter) run(ctx context.Context) {
	n := len(s.chunks)
	if n == 0 {
		s.sink.OnSplitError(fmt.Errorf("没有可切分的内容"))
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}

	// 按 worker 数把分片均分成连续的区段
	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		failed  bool
		mu      sync.Mutex
	)
	segSize := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * segSize
		hi := lo + segSize
		if lo >= n {
			break
		}
		if hi > n {
			hi = n
		}

		wg.Add(1)
		go func(segment []*Chunk) {
			defer wg.Done()
			for _, chunk := range segment {
				if ctx.Err() != nil {
					return
				}
				digest, err := hashing.Digest(chunk.Reader())
				if err != nil {
					errOnce.Do(func() {
						mu.Lock()
						failed = true
						mu.Unlock()
						s.sink.OnSplitError(fmt.Errorf("计算分片 %d 指纹失败: %w", chunk.Index, err))
					})
					return
				}
				chunk.Digest = digest
			}
			// 整段算完立即上报，让上传与指纹计算流水并行
			if ctx.Err() == nil {
				s.sink.OnChunks(segment)
			}
		}(s.chunks[lo:hi])
	}
	wg.Wait()

	mu.Lock()
	aborted := failed
	mu.Unlock()
	if aborted || ctx.Err() != nil {
		return
	}

	s.finish()
}

func (s *parallelSplitter) finish() {
	// 整文件摘要必须严格按分片序号折叠，与 worker 完成顺序无关
	digests := make([]string, len(s.chunks))
	for i, chunk := range s.chunks {
		digests[i] = chunk.Digest
	}
	s.sink.OnWholeHash(hashing.Fold(digests))
	s.sink.OnDrain()
}

// --- 内联实现 ---

// inlineBatchSize 是内联切分每批处理的分片数。
// 分批上报并在批间让出调度，保证调用方所在的协程簇不至于被饿死。
const inlineBatchSize = 8

// inlineSplitter 是并行切分不可用时的回退实现，在单个协程里顺序计算。
type inlineSplitter struct {
	chunks []*Chunk
	sink   SplitSink
	once   sync.Once
}

func newInlineSplitter(src io.ReaderAt, fileSize, chunkSize int64, sink SplitSink) *inlineSplitter {
	return &inlineSplitter{
		chunks: buildChunks(src, fileSize, chunkSize),
		sink:   sink,
	}
}

func (s *inlineSplitter) Split(ctx context.Context) {
	s.once.Do(func() {
		go s.run(ctx)
	})
}

func (s *inlineSplitter) run(ctx context.Context) {
	n := len(s.chunks)
	if n == 0 {
		s.sink.OnSplitError(fmt.Errorf("没有可切分的内容"))
		return
	}

	for lo := 0; lo < n; lo += inlineBatchSize {
		if ctx.Err() != nil {
			return
		}
		hi := lo + inlineBatchSize
		if hi > n {
			hi = n
		}
		batch := s.chunks[lo:hi]
		for _, chunk := range batch {
			digest, err := hashing.Digest(chunk.Reader())
			if err != nil {
				s.sink.OnSplitError(fmt.Errorf("计算分片 %d 指纹失败: %w", chunk.Index, err))
				return
			}
			chunk.Digest = digest
		}
		s.sink.OnChunks(batch)
		runtime.Gosched()
	}

	digests := make([]string, n)
	for i, chunk := range s.chunks {
		digests[i] = chunk.Digest
	}
	s.sink.OnWholeHash(hashing.Fold(digests))
	s.sink.OnDrain()
}
