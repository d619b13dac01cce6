package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/hashing"
	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
)

// fakeTransport 是内存里的协议对端，可以注入故障与预置状态
type fakeTransport struct {
	mu              sync.Mutex
	chunkSize       int64
	transferDelay   time.Duration     // 模拟传输耗时
	store           map[string][]byte // 分片摘要 -> 内容
	completedByHash map[string]string // 整文件摘要 -> 产物地址
	failRemaining   map[int]int       // 分片序号 -> 剩余注入的瞬时失败次数
	transferCount   int
	transferred     map[int]int // 分片序号 -> 实际传输次数
	mergeCount      int
	mergedChunks    []string
}

func newFakeTransport(chunkSize int64) *fakeTransport {
	return &fakeTransport{
		chunkSize:       chunkSize,
		store:           make(map[string][]byte),
		completedByHash: make(map[string]string),
		failRemaining:   make(map[int]int),
		transferred:     make(map[int]int),
	}
}

func (f *fakeTransport) Initiate(ctx context.Context, meta *model.CreateUploadRequest) (*model.UploadSessionData, error) {
	return &model.UploadSessionData{
		UploadToken: "fake-token",
		ChunkSize:   f.chunkSize,
	}, nil
}

func (f *fakeTransport) Verify(ctx context.Context, token, hash string, hashType constant.HashType, chunkIndex int) (*model.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if hashType == constant.HashTypeFile {
		if url, ok := f.completedByHash[hash]; ok {
			return &model.VerifyResult{HasFile: true, URL: url}, nil
		}
		return &model.VerifyResult{HasFile: false}, nil
	}
	_, ok := f.store[hash]
	return &model.VerifyResult{HasFile: ok}, nil
}

func (f *fakeTransport) TransferChunk(ctx context.Context, token string, chunk *Chunk, onProgress func(int64)) error {
	if f.transferDelay > 0 {
		time.Sleep(f.transferDelay)
	}
	f.mu.Lock()
	if n := f.failRemaining[chunk.Index]; n > 0 {
		f.failRemaining[chunk.Index] = n - 1
		f.mu.Unlock()
		return &TransientError{Err: fmt.Errorf("注入的瞬时故障 (分片 %d)", chunk.Index)}
	}
	f.mu.Unlock()

	data, err := io.ReadAll(chunk.Reader())
	if err != nil {
		return err
	}
	if got := hashing.DigestBytes(data); got != chunk.Digest {
		return fmt.Errorf("分片 %d 摘要不一致", chunk.Index)
	}

	f.mu.Lock()
	f.store[chunk.Digest] = data
	f.transferCount++
	f.transferred[chunk.Index]++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Merge(ctx context.Context, token, fileHash string, chunks []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, digest := range chunks {
		if _, ok := f.store[digest]; !ok {
			return "", fmt.Errorf("合并时缺少分片 %s", digest)
		}
	}
	f.mergeCount++
	f.mergedChunks = append([]string(nil), chunks...)
	url := "/api/upload/file/fake-id/fake.bin"
	f.completedByHash[fileHash] = url
	return url, nil
}

// sessionResult 收集一次会话的终结事件
type sessionResult struct {
	mu        sync.Mutex
	completes []string
	errs      []error
	done      chan struct{}
	once      sync.Once
}

func watchController(c *Controller) *sessionResult {
	r := &sessionResult{done: make(chan struct{})}
	c.OnComplete(func(url string) {
		r.mu.Lock()
		r.completes = append(r.completes, url)
		r.mu.Unlock()
		r.once.Do(func() { close(r.done) })
	})
	c.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
		r.once.Do(func() { close(r.done) })
	})
	return r
}

func (r *sessionResult) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("会话未在限期内终结")
	}
	// 留一点时间捕捉潜在的重复事件
	time.Sleep(20 * time.Millisecond)
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		// 叠加 i/256，避免内容以 256 字节为周期重复导致不同分片摘要相同
		data[i] = byte(i*31 + i/256)
	}
	return data
}

func newTestController(data []byte, transport Transport, opts Options) *Controller {
	opts.Transport = transport
	meta := &model.CreateUploadRequest{
		FileName: "test.bin",
		FileSize: int64(len(data)),
		FileType: "application/octet-stream",
	}
	return NewController(bytes.NewReader(data), meta, opts)
}

func TestControllerHappyPath(t *testing.T) {
	const chunkSize = 1024
	data := testData(5*chunkSize + 300)
	transport := newFakeTransport(chunkSize)

	c := newTestController(data, transport, Options{Concurrency: 3, EnableMultiThread: true})
	result := watchController(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}
	result.wait(t)

	if len(result.errs) > 0 {
		t.Fatalf("会话失败: %v", result.errs)
	}
	if len(result.completes) != 1 {
		t.Fatalf("完成事件触发 %d 次, 期望 1", len(result.completes))
	}
	if c.Status() != StatusCompleted {
		t.Errorf("终态 = %s, 期望 completed", c.Status())
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.mergeCount != 1 {
		t.Errorf("合并调用 %d 次, 期望 1", transport.mergeCount)
	}
	if transport.transferCount != 6 {
		t.Errorf("传输调用 %d 次, 期望 6", transport.transferCount)
	}
	// 合并提交的摘要必须按分片序号排列
	for i, digest := range transport.mergedChunks {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if want := hashing.DigestBytes(data[start:end]); digest != want {
			t.Errorf("合并摘要 %d 顺序错误", i)
		}
	}
}

func TestControllerInstantUpload(t *testing.T) {
	const chunkSize = 512
	data := testData(3 * chunkSize)
	transport := newFakeTransport(chunkSize)

	// 预置：整文件已存在（上一次上传留下的），所有分片也在库
	var digests []string
	for start := 0; start < len(data); start += chunkSize {
		piece := data[start : start+chunkSize]
		d := hashing.DigestBytes(piece)
		transport.store[d] = piece
		digests = append(digests, d)
	}
	wholeHash := hashing.Fold(digests)
	transport.completedByHash[wholeHash] = "/api/upload/file/known/known.bin"

	c := newTestController(data, transport, Options{Concurrency: 2})
	result := watchController(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}
	result.wait(t)

	if len(result.completes) != 1 {
		t.Fatalf("完成事件触发 %d 次, 期望 1", len(result.completes))
	}
	if result.completes[0] != "/api/upload/file/known/known.bin" {
		t.Errorf("秒传地址 = %s", result.completes[0])
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	// 分片级去重先行命中，秒传与排空竞速也不会触发任何实际传输或合并
	if transport.transferCount != 0 {
		t.Errorf("秒传场景仍发生了 %d 次传输", transport.transferCount)
	}
	if transport.mergeCount != 0 {
		t.Errorf("秒传场景仍调用了 %d 次合并", transport.mergeCount)
	}
}

func TestControllerPartialResume(t *testing.T) {
	const chunkSize = 256
	data := testData(4 * chunkSize)
	transport := newFakeTransport(chunkSize)

	// 预置前两片（上次被取消的会话留在存储里的）
	for i := 0; i < 2; i++ {
		piece := data[i*chunkSize : (i+1)*chunkSize]
		transport.store[hashing.DigestBytes(piece)] = piece
	}

	c := newTestController(data, transport, Options{Concurrency: 2})
	result := watchController(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}
	result.wait(t)

	if len(result.errs) > 0 {
		t.Fatalf("会话失败: %v", result.errs)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.transferCount != 2 {
		t.Errorf("传输调用 %d 次, 期望只传缺失的 2 片", transport.transferCount)
	}
	for i := 0; i < 2; i++ {
		if transport.transferred[i] != 0 {
			t.Errorf("已在库的分片 %d 被重复传输", i)
		}
	}
}

func TestControllerRetryThenSuccess(t *testing.T) {
	const chunkSize = 128
	data := testData(4 * chunkSize)
	transport := newFakeTransport(chunkSize)
	// 分片 3 前两次失败，第三次成功
	transport.failRemaining[3] = 2

	c := newTestController(data, transport, Options{
		Concurrency: 2,
		RetryCount:  3,
		RetryDelay:  5 * time.Millisecond,
	})
	result := watchController(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}
	result.wait(t)

	if len(result.errs) > 0 {
		t.Fatalf("重试后仍失败: %v", result.errs)
	}
	if len(result.completes) != 1 {
		t.Fatalf("完成事件触发 %d 次, 期望 1", len(result.completes))
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.transferred[3] != 1 {
		t.Errorf("分片 3 成功传输 %d 次, 期望 1", transport.transferred[3])
	}
	if transport.mergeCount != 1 {
		t.Errorf("合并调用 %d 次, 期望 1", transport.mergeCount)
	}
}

func TestControllerRetryExhausted(t *testing.T) {
	const chunkSize = 128
	data := testData(2 * chunkSize)
	transport := newFakeTransport(chunkSize)
	// 分片 1 永远失败
	transport.failRemaining[1] = 1 << 20

	c := newTestController(data, transport, Options{
		Concurrency: 2,
		RetryCount:  2,
		RetryDelay:  time.Millisecond,
	})
	result := watchController(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}
	result.wait(t)

	if len(result.completes) != 0 {
		t.Fatal("重试耗尽的会话不应完成")
	}
	if len(result.errs) != 1 {
		t.Fatalf("失败事件触发 %d 次, 期望 1", len(result.errs))
	}
	if c.Status() != StatusError {
		t.Errorf("终态 = %s, 期望 error", c.Status())
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.mergeCount != 0 {
		t.Errorf("失败的会话仍调用了 %d 次合并", transport.mergeCount)
	}
}

func TestControllerProgress(t *testing.T) {
	const chunkSize = 256
	data := testData(8 * chunkSize)
	transport := newFakeTransport(chunkSize)

	c := newTestController(data, transport, Options{Concurrency: 2})
	result := watchController(c)

	var mu sync.Mutex
	var events []Progress
	c.OnProgress(func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}
	result.wait(t)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 8 {
		t.Fatalf("进度事件 %d 次, 期望每片一次共 8 次", len(events))
	}
	last := events[len(events)-1]
	if last.Loaded != int64(len(data)) {
		t.Errorf("最终 Loaded = %d, 期望 %d", last.Loaded, len(data))
	}
	if last.Percentage != 100 {
		t.Errorf("最终 Percentage = %f, 期望 100", last.Percentage)
	}
	if last.UploadedChunks != 8 || last.TotalChunks != 8 {
		t.Errorf("分片计数 = %d/%d, 期望 8/8", last.UploadedChunks, last.TotalChunks)
	}
}

func TestControllerPauseResume(t *testing.T) {
	const chunkSize = 128
	data := testData(6 * chunkSize)
	transport := newFakeTransport(chunkSize)
	transport.transferDelay = 20 * time.Millisecond

	c := newTestController(data, transport, Options{Concurrency: 1})
	result := watchController(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}

	// 等第一片传完后暂停
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		n := transport.transferCount
		transport.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Pause()
	if c.Status() != StatusPaused {
		t.Fatalf("暂停后状态 = %s", c.Status())
	}

	// 在途任务自然完成后不再有新的传输发起
	time.Sleep(60 * time.Millisecond)
	transport.mu.Lock()
	frozen := transport.transferCount
	transport.mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	transport.mu.Lock()
	after := transport.transferCount
	transport.mu.Unlock()
	if after != frozen {
		t.Fatalf("暂停期间仍有新传输: %d -> %d", frozen, after)
	}

	// 恢复后会话照常走到完成
	c.Resume()
	result.wait(t)
	if len(result.errs) > 0 {
		t.Fatalf("恢复后上传失败: %v", result.errs)
	}
	if len(result.completes) != 1 {
		t.Fatalf("完成事件触发 %d 次, 期望 1", len(result.completes))
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.transferCount != 6 {
		t.Errorf("传输总数 = %d, 期望 6", transport.transferCount)
	}
}

func TestControllerCancel(t *testing.T) {
	const chunkSize = 128
	data := testData(6 * chunkSize)
	transport := newFakeTransport(chunkSize)
	transport.transferDelay = 20 * time.Millisecond

	c := newTestController(data, transport, Options{Concurrency: 1})
	watchController(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	c.Cancel()

	if c.Status() != StatusIdle {
		t.Errorf("取消后状态 = %s, 期望 idle", c.Status())
	}
}

func TestControllerStartTwice(t *testing.T) {
	data := testData(64)
	transport := newFakeTransport(64)

	c := newTestController(data, transport, Options{})
	result := watchController(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("第一次 Start 返回错误: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("非空闲状态的 Start 未报错")
	}
	result.wait(t)
}
