/*
 * @Description: 上传控制器：状态机、重试与进度统计
 * @Author: 安知鱼
 * @Date: 2025-08-04 16:18:40
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package uploader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
)

// Status 表示控制器所处的状态
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSplitting Status = "splitting"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusMerging   Status = "merging"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Options 是控制器识别的全部配置项，零值回落到默认值。
type Options struct {
	ChunkSize         int64         // 初始分片大小，以服务端返回值为准
	Concurrency       int           // 最大并行传输数
	RetryCount        int           // 单个分片的最大重试次数
	RetryDelay        time.Duration // 重试的基础延迟
	EnableMultiThread bool          // 指纹计算是否使用并行 worker
	Transport         Transport     // 远端操作适配器
}

// Progress 是每次进度变化时上报的快照
type Progress struct {
	Loaded         int64   // 已完成的字节数
	Total          int64   // 文件总字节数
	Percentage     float64 // 完成百分比
	Speed          float64 // 字节/秒，基于上次上报以来的窗口
	RemainingTime  float64 // 预计剩余秒数，速度为零时为 0
	UploadedChunks int     // 已完成的分片数
	TotalChunks    int     // 分片总数
}

// Controller 驱动一次完整的上传会话：
// 初始化 -> 切分指纹 -> 逐片校验与传输 -> 合并定稿。
// 所有状态变更都在持锁下进行，事件回调在锁外触发。
type Controller struct {
	mu   sync.Mutex
	opts Options

	src  io.ReaderAt
	meta *model.CreateUploadRequest

	status      Status
	token       string
	chunkSize   int64
	totalChunks int
	wholeHash   string
	completed   bool // 一次性完成门闩，防止秒传与排空竞速导致双重完成
	verifying   bool // 整文件去重检查进行中，期间不发起合并

	chunks         map[int]*Chunk
	orderedDigests []string
	uploaded       map[int]bool
	retries        map[int]int
	uploadedBytes  int64

	lastEmitAt    time.Time
	lastEmitBytes int64

	scheduler *TaskScheduler
	splitter  Splitter
	ctx       context.Context
	cancel    context.CancelFunc

	onProgress     func(Progress)
	onStatusChange func(Status)
	onComplete     func(url string)
	onError        func(err error)
}

// NewController 创建一个处于空闲状态的控制器。
// src 必须覆盖 meta.FileSize 个字节。
func NewController(src io.ReaderAt, meta *model.CreateUploadRequest, opts Options) *Controller {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = constant.DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	return &Controller{
		opts:     opts,
		src:      src,
		meta:     meta,
		status:   StatusIdle,
		chunks:   make(map[int]*Chunk),
		uploaded: make(map[int]bool),
		retries:  make(map[int]int),
	}
}

// OnProgress 注册进度事件回调
func (c *Controller) OnProgress(fn func(Progress)) { c.onProgress = fn }

// OnStatusChange 注册状态变化事件回调
func (c *Controller) OnStatusChange(fn func(Status)) { c.onStatusChange = fn }

// OnComplete 注册完成事件回调，每个会话至多触发一次
func (c *Controller) OnComplete(fn func(url string)) { c.onComplete = fn }

// OnError 注册失败事件回调，与完成事件互斥
func (c *Controller) OnError(fn func(err error)) { c.onError = fn }

// Status 返回控制器当前状态
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start 启动上传会话，只能从空闲状态调用。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusIdle {
		c.mu.Unlock()
		return fmt.Errorf("控制器不处于空闲状态: %s", c.status)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	emit := c.setStatusLocked(StatusSplitting)
	c.mu.Unlock()
	emit()

	go c.bootstrap()
	return nil
}

// bootstrap 执行初始化握手并启动切分
func (c *Controller) bootstrap() {
	result, err := c.opts.Transport.Initiate(c.ctx, c.meta)
	if err != nil {
		c.fail(fmt.Errorf("创建上传会话失败: %w", err))
		return
	}

	c.mu.Lock()
	c.token = result.UploadToken
	// 以服务端下发的分片大小为准，保证与既有数据的去重键一致
	c.chunkSize = result.ChunkSize
	if c.chunkSize <= 0 {
		c.chunkSize = c.opts.ChunkSize
	}
	c.totalChunks = model.TotalChunks(c.meta.FileSize, c.chunkSize)
	c.orderedDigests = make([]string, c.totalChunks)

	c.scheduler = NewTaskScheduler(c.opts.Concurrency)
	c.scheduler.OnDrain(c.maybeMerge)
	c.splitter = NewSplitter(c.src, c.meta.FileSize, c.chunkSize, c.opts.EnableMultiThread, c)
	splitter := c.splitter
	ctx := c.ctx
	c.mu.Unlock()

	splitter.Split(ctx)
}

// --- SplitSink 实现 ---

// OnChunks 在一批分片完成指纹计算后回调：登记摘要并入队上传任务
func (c *Controller) OnChunks(batch []*Chunk) {
	c.mu.Lock()
	if c.isTerminalLocked() || c.scheduler == nil {
		c.mu.Unlock()
		return
	}
	var emit func()
	if c.status == StatusSplitting {
		emit = c.setStatusLocked(StatusUploading)
	} else {
		emit = func() {}
	}
	scheduler := c.scheduler
	for _, chunk := range batch {
		c.chunks[chunk.Index] = chunk
		c.orderedDigests[chunk.Index] = chunk.Digest
	}
	c.mu.Unlock()
	emit()

	for _, chunk := range batch {
		scheduler.AddAndStart(c.uploadTaskFor(chunk))
	}
}

// OnWholeHash 在整文件摘要计算完成后回调：触发整文件级去重检查。
// 检查期间挂起合并，避免秒传命中与调度器排空竞速时多余的合并调用。
func (c *Controller) OnWholeHash(hash string) {
	c.mu.Lock()
	c.wholeHash = hash
	c.verifying = true
	token := c.token
	c.mu.Unlock()

	result, err := c.opts.Transport.Verify(c.ctx, token, hash, constant.HashTypeFile, -1)
	if err != nil {
		// 去重检查只是优化，失败不终止会话，走常规逐片上传
		c.clearVerifying()
		c.maybeMerge()
		return
	}

	if result.HasFile {
		// 秒传命中：所有分片都不必传。先落下完成门闩再解除合并挂起，
		// 确保排空触发的合并检查永远看不到可合并的窗口。
		c.handleSuccess(result.URL)
		c.clearVerifying()
		return
	}

	// rest 非空时，不在其中的分片此前已经入库，直接记为已上传
	if len(result.Rest) > 0 {
		restSet := make(map[string]struct{}, len(result.Rest))
		for _, digest := range result.Rest {
			restSet[digest] = struct{}{}
		}
		c.mu.Lock()
		var emits []func()
		for _, chunk := range c.chunks {
			if _, needed := restSet[chunk.Digest]; !needed {
				emits = append(emits, c.markUploadedLocked(chunk))
			}
		}
		c.mu.Unlock()
		for _, emit := range emits {
			emit()
		}
	}

	c.clearVerifying()
	c.maybeMerge()
}

// clearVerifying 结束整文件去重检查阶段
func (c *Controller) clearVerifying() {
	c.mu.Lock()
	c.verifying = false
	c.mu.Unlock()
}

// OnDrain 在全部分片指纹计算完成后回调
func (c *Controller) OnDrain() {
	c.maybeMerge()
}

// OnSplitError 在切分或指纹计算失败时回调
func (c *Controller) OnSplitError(err error) {
	c.fail(err)
}

// --- 分片上传任务 ---

// uploadTaskFor 构造单个分片的上传任务：
// 会话内去重 -> 服务端摘要校验（跨会话去重）-> 实际传输。
func (c *Controller) uploadTaskFor(chunk *Chunk) Task {
	return func() {
		c.mu.Lock()
		done := c.uploaded[chunk.Index] || c.isTerminalLocked()
		token := c.token
		c.mu.Unlock()
		if done || c.ctx.Err() != nil {
			return
		}

		result, err := c.opts.Transport.Verify(c.ctx, token, chunk.Digest, constant.HashTypeChunk, chunk.Index)
		if err != nil {
			c.taskFailed(chunk, err)
			return
		}
		if result.HasFile {
			// 分片已在库（本会话之前传过，或其它会话留下的同内容分片）
			c.markUploaded(chunk)
			return
		}

		if err := c.opts.Transport.TransferChunk(c.ctx, token, chunk, nil); err != nil {
			c.taskFailed(chunk, err)
			return
		}
		c.markUploaded(chunk)
	}
}

// taskFailed 按退避策略处理分片失败：
// 延迟 retryDelay × 2^n × jitter(0.5..1.0) 后重新入队；
// 重试额度用尽或遇到致命错误时终止会话。
func (c *Controller) taskFailed(chunk *Chunk, err error) {
	if c.ctx.Err() != nil {
		// 取消不是错误
		return
	}
	if !IsTransient(err) {
		c.fail(fmt.Errorf("分片 %d 上传失败: %w", chunk.Index, err))
		return
	}

	c.mu.Lock()
	current := c.retries[chunk.Index]
	if current >= c.opts.RetryCount {
		c.mu.Unlock()
		c.fail(fmt.Errorf("分片 %d 重试 %d 次后仍然失败: %w", chunk.Index, current, err))
		return
	}
	c.retries[chunk.Index] = current + 1
	scheduler := c.scheduler
	c.mu.Unlock()

	jitter := 0.5 + 0.5*rand.Float64()
	delay := time.Duration(float64(c.opts.RetryDelay) * float64(int64(1)<<current) * jitter)
	time.AfterFunc(delay, func() {
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		terminal := c.isTerminalLocked()
		c.mu.Unlock()
		if terminal {
			return
		}
		scheduler.AddAndStart(c.uploadTaskFor(chunk))
	})
}

// markUploaded 幂等地把一个分片记为已完成
func (c *Controller) markUploaded(chunk *Chunk) {
	c.mu.Lock()
	emit := c.markUploadedLocked(chunk)
	c.mu.Unlock()
	emit()
	c.maybeMerge()
}

// markUploadedLocked 只在首次标记时累计字节数并生成进度事件
func (c *Controller) markUploadedLocked(chunk *Chunk) func() {
	if c.uploaded[chunk.Index] {
		return func() {}
	}
	c.uploaded[chunk.Index] = true
	c.uploadedBytes += chunk.Size()
	delete(c.retries, chunk.Index)
	return c.progressEventLocked()
}

// progressEventLocked 基于上次上报以来的窗口计算速度与剩余时间
func (c *Controller) progressEventLocked() func() {
	now := time.Now()
	var speed float64
	if !c.lastEmitAt.IsZero() {
		if dt := now.Sub(c.lastEmitAt).Seconds(); dt > 0 {
			speed = float64(c.uploadedBytes-c.lastEmitBytes) / dt
		}
	}
	c.lastEmitAt = now
	c.lastEmitBytes = c.uploadedBytes

	var remaining float64
	if speed > 0 {
		remaining = float64(c.meta.FileSize-c.uploadedBytes) / speed
	}

	progress := Progress{
		Loaded:         c.uploadedBytes,
		Total:          c.meta.FileSize,
		Percentage:     float64(c.uploadedBytes) / float64(c.meta.FileSize) * 100,
		Speed:          speed,
		RemainingTime:  remaining,
		UploadedChunks: len(c.uploaded),
		TotalChunks:    c.totalChunks,
	}
	fn := c.onProgress
	if fn == nil {
		return func() {}
	}
	return func() { fn(progress) }
}

// --- 合并与收尾 ---

// maybeMerge 在满足全部前置条件时进入合并阶段：
// 处于上传态（暂停时不发起新的远端调用）、所有分片已完成、
// 整文件摘要已知、调度器排空且尚未完成。
func (c *Controller) maybeMerge() {
	c.mu.Lock()
	ready := !c.completed && c.status == StatusUploading &&
		c.wholeHash != "" && !c.verifying &&
		c.totalChunks > 0 && len(c.uploaded) == c.totalChunks &&
		c.scheduler != nil && c.scheduler.Idle()
	if !ready {
		c.mu.Unlock()
		return
	}
	emit := c.setStatusLocked(StatusMerging)
	token := c.token
	wholeHash := c.wholeHash
	digests := make([]string, len(c.orderedDigests))
	copy(digests, c.orderedDigests)
	c.mu.Unlock()
	emit()

	go func() {
		url, err := c.opts.Transport.Merge(c.ctx, token, wholeHash, digests)
		if c.ctx.Err() != nil {
			// 会话在合并途中被取消，静默退出
			return
		}
		if err != nil {
			c.fail(fmt.Errorf("合并失败: %w", err))
			return
		}
		c.handleSuccess(url)
	}()
}

// handleSuccess 终结会话为完成态。completed 门闩保证
// 秒传校验与调度器排空竞速时也只触发一次完成事件。
func (c *Controller) handleSuccess(url string) {
	c.mu.Lock()
	// 空闲态表示会话已被取消复位，不再终结
	if c.completed || c.isTerminalLocked() || c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	c.completed = true
	emit := c.setStatusLocked(StatusCompleted)
	scheduler := c.scheduler
	cancel := c.cancel
	fn := c.onComplete
	c.mu.Unlock()

	if scheduler != nil {
		scheduler.Clear()
	}
	if cancel != nil {
		cancel()
	}
	emit()
	if fn != nil {
		fn(url)
	}
}

// fail 终结会话为失败态，与完成事件互斥
func (c *Controller) fail(err error) {
	c.mu.Lock()
	// 空闲态表示会话已被取消复位，取消不是错误
	if c.completed || c.isTerminalLocked() || c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	emit := c.setStatusLocked(StatusError)
	scheduler := c.scheduler
	cancel := c.cancel
	fn := c.onError
	c.mu.Unlock()

	if scheduler != nil {
		scheduler.Clear()
	}
	if cancel != nil {
		cancel()
	}
	emit()
	if fn != nil {
		fn(err)
	}
}

// --- 暂停/恢复/取消 ---

// Pause 暂停派发新的分片任务，在途传输自然完成
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.status != StatusUploading {
		c.mu.Unlock()
		return
	}
	emit := c.setStatusLocked(StatusPaused)
	scheduler := c.scheduler
	c.mu.Unlock()

	if scheduler != nil {
		scheduler.Pause()
	}
	emit()
}

// Resume 恢复被暂停的会话
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return
	}
	emit := c.setStatusLocked(StatusUploading)
	scheduler := c.scheduler
	c.mu.Unlock()

	emit()
	if scheduler != nil {
		scheduler.Start()
	}
}

// Cancel 取消会话并回到空闲状态。
// 只终结本地控制器；服务端会话保留，之后可以用新的控制器续传。
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.isTerminalLocked() || c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	scheduler := c.scheduler
	cancel := c.cancel

	c.token = ""
	c.wholeHash = ""
	c.completed = false
	c.chunks = make(map[int]*Chunk)
	c.orderedDigests = nil
	c.uploaded = make(map[int]bool)
	c.retries = make(map[int]int)
	c.uploadedBytes = 0
	c.lastEmitAt = time.Time{}
	c.lastEmitBytes = 0
	c.scheduler = nil
	c.splitter = nil
	emit := c.setStatusLocked(StatusIdle)
	c.mu.Unlock()

	if scheduler != nil {
		scheduler.Clear()
	}
	if cancel != nil {
		cancel()
	}
	emit()
}

// --- 辅助 ---

// isTerminalLocked 判断是否处于终态
func (c *Controller) isTerminalLocked() bool {
	return c.status == StatusCompleted || c.status == StatusError
}

// setStatusLocked 变更状态并返回在锁外触发的事件闭包
func (c *Controller) setStatusLocked(next Status) func() {
	c.status = next
	fn := c.onStatusChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(next) }
}
