/*
 * @Description: 按序拼装分片、物化并流式下发最终文件
 * @Author: 安知鱼
 * @Date: 2025-08-02 17:05:12
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package upload

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/anzhiyu-c/anheyu-upload/internal/infra/storage"
	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
)

// AssemblyService 负责把一个已完成会话的分片按序拼装成最终文件。
// 物化是惰性的：第一次下载请求触发拼装，之后直接使用磁盘上的产物。
type AssemblyService struct {
	chunkStore *storage.ChunkStore
	filesDir   string

	// 同一会话的并发首次下载只允许一个协程做物化
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAssemblyService 是 AssemblyService 的构造函数，filesDir 通常为 <上传根目录>/files。
func NewAssemblyService(chunkStore *storage.ChunkStore, filesDir string) (*AssemblyService, error) {
	if err := os.MkdirAll(filesDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("无法创建产物目录 '%s': %w", filesDir, err)
	}
	return &AssemblyService{
		chunkStore: chunkStore,
		filesDir:   filesDir,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// ArtifactPath 返回会话产物的物理路径: <filesDir>/<uploadId>.dat
func (s *AssemblyService) ArtifactPath(uploadID string) string {
	return filepath.Join(s.filesDir, uploadID+".dat")
}

// Materialize 确保会话产物存在于磁盘并返回其路径。
// 产物不存在时按 session.Chunks 的顺序把各分片流式写入，
// 全部落盘并 fsync 之后才改名暴露，避免下载到半成品。
func (s *AssemblyService) Materialize(ctx context.Context, session *model.UploadSession) (string, error) {
	if !session.IsCompleted() {
		return "", fmt.Errorf("%w: 会话 %s", constant.ErrSessionNotCompleted, session.UploadID)
	}

	finalPath := s.ArtifactPath(session.UploadID)

	lock := s.lockFor(session.UploadID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(finalPath); err == nil {
		return finalPath, nil
	}

	tempFile, err := os.CreateTemp(s.filesDir, session.UploadID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("无法创建产物临时文件: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	var written int64
	for i, digest := range session.Chunks {
		if err := ctx.Err(); err != nil {
			tempFile.Close()
			return "", fmt.Errorf("拼装被中断: %w", err)
		}

		n, err := s.copyChunk(digest, tempFile)
		if err != nil {
			tempFile.Close()
			return "", fmt.Errorf("拼装第 %d 片失败: %w", i, err)
		}
		written += n
	}

	if written != session.FileSize {
		tempFile.Close()
		return "", fmt.Errorf("%w: 拼装结果 %d 字节, 期望 %d 字节", constant.ErrIntegrity, written, session.FileSize)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("同步产物到磁盘失败: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("关闭产物临时文件失败: %w", err)
	}
	if err := os.Rename(tempName, finalPath); err != nil {
		return "", fmt.Errorf("产物落盘失败: %w", err)
	}

	log.Printf("[Assembly] 会话 %s 物化完成, %d 片共 %d 字节", session.UploadID, len(session.Chunks), written)
	return finalPath, nil
}

// copyChunk 把单个分片的内容追加到 sink，返回写入的字节数。
// io.Copy 的固定缓冲保证了逐片流式写入，不会把整个文件读进内存。
func (s *AssemblyService) copyChunk(digest string, sink io.Writer) (int64, error) {
	rc, err := s.chunkStore.Open(digest)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(sink, rc)
}

// lockFor 返回指定会话的物化互斥锁
func (s *AssemblyService) lockFor(uploadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[uploadID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[uploadID] = lock
	}
	return lock
}
