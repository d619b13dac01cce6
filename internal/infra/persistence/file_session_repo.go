/*
 * @Description: 基于 JSON 文件的会话仓库实现
 * @Author: 安知鱼
 * @Date: 2025-08-02 15:10:18
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/repository"
)

// FileSessionRepository 把每条会话记录存为 <baseDir>/<uploadId>.json，
// 并在内存里维护 fileHash -> uploadId 的二级索引来支撑秒传查询。
// 索引丢失只影响性能不影响正确性，查不到时会退化为全量扫描。
type FileSessionRepository struct {
	baseDir string

	mu        sync.RWMutex
	hashIndex map[string]string // fileHash -> uploadId，仅收录已完成的会话
}

// NewFileSessionRepository 是 FileSessionRepository 的构造函数，
// baseDir 通常为 <上传根目录>/metadata。启动时立即做一次索引重建。
func NewFileSessionRepository(baseDir string) (repository.SessionRepository, error) {
	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("无法创建会话元数据目录 '%s': %w", baseDir, err)
	}
	repo := &FileSessionRepository{
		baseDir:   baseDir,
		hashIndex: make(map[string]string),
	}
	if _, err := repo.RebuildIndex(context.Background()); err != nil {
		log.Printf("[SessionRepo] 警告: 启动时重建索引失败: %v", err)
	}
	return repo, nil
}

func (r *FileSessionRepository) pathOf(uploadID string) string {
	return filepath.Join(r.baseDir, uploadID+".json")
}

// Save 原子地写入一条会话记录：先写临时文件，再改名覆盖。
// 合并完成的会话同时进入二级索引。
func (r *FileSessionRepository) Save(ctx context.Context, session *model.UploadSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}

	finalPath := r.pathOf(session.UploadID)
	tempFile, err := os.CreateTemp(r.baseDir, session.UploadID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("无法创建会话临时文件: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("写入会话记录失败: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("同步会话记录到磁盘失败: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("关闭会话临时文件失败: %w", err)
	}
	if err := os.Rename(tempName, finalPath); err != nil {
		return fmt.Errorf("会话记录落盘失败: %w", err)
	}

	if session.IsCompleted() {
		r.mu.Lock()
		r.hashIndex[session.FileHash] = session.UploadID
		r.mu.Unlock()
	}
	return nil
}

// FindByID 按 uploadId 读取会话记录
func (r *FileSessionRepository) FindByID(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	data, err := os.ReadFile(r.pathOf(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: 会话 %s", constant.ErrNotFound, uploadID)
		}
		return nil, fmt.Errorf("读取会话记录失败: %w", err)
	}
	var session model.UploadSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("解析会话记录失败: %w", err)
	}
	return &session, nil
}

// FindCompletedByFileHash 按整文件摘要查找已完成的会话。
// 先查内存索引；索引未命中时退化为全量扫描，命中后回填索引。
func (r *FileSessionRepository) FindCompletedByFileHash(ctx context.Context, fileHash string) (*model.UploadSession, error) {
	r.mu.RLock()
	uploadID, ok := r.hashIndex[fileHash]
	r.mu.RUnlock()

	if ok {
		session, err := r.FindByID(ctx, uploadID)
		if err == nil && session.IsCompleted() && session.FileHash == fileHash {
			return session, nil
		}
		// 索引指向的记录已失效，剔除后继续扫描
		r.mu.Lock()
		delete(r.hashIndex, fileHash)
		r.mu.Unlock()
	}

	var found *model.UploadSession
	err := r.walkSessions(func(session *model.UploadSession) bool {
		if session.IsCompleted() && session.FileHash == fileHash {
			found = session
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: 整文件摘要 %s", constant.ErrNotFound, fileHash)
	}

	r.mu.Lock()
	r.hashIndex[fileHash] = found.UploadID
	r.mu.Unlock()
	return found, nil
}

// Delete 删除一条会话记录及其索引项
func (r *FileSessionRepository) Delete(ctx context.Context, uploadID string) error {
	session, err := r.FindByID(ctx, uploadID)
	if err == nil && session.FileHash != "" {
		r.mu.Lock()
		if r.hashIndex[session.FileHash] == uploadID {
			delete(r.hashIndex, session.FileHash)
		}
		r.mu.Unlock()
	}

	if err := os.Remove(r.pathOf(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除会话记录失败: %w", err)
	}
	return nil
}

// RebuildIndex 全量扫描元数据目录，重建二级索引
func (r *FileSessionRepository) RebuildIndex(ctx context.Context) (int, error) {
	fresh := make(map[string]string)
	completed := 0
	err := r.walkSessions(func(session *model.UploadSession) bool {
		if session.IsCompleted() {
			fresh[session.FileHash] = session.UploadID
			completed++
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.hashIndex = fresh
	r.mu.Unlock()
	return completed, nil
}

// walkSessions 遍历所有会话记录，visit 返回 false 时提前终止
func (r *FileSessionRepository) walkSessions(visit func(*model.UploadSession) bool) error {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return fmt.Errorf("无法读取会话元数据目录: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		uploadID := strings.TrimSuffix(entry.Name(), ".json")
		session, err := r.FindByID(context.Background(), uploadID)
		if err != nil {
			log.Printf("[SessionRepo] 警告: 跳过无法解析的会话记录 %s: %v", entry.Name(), err)
			continue
		}
		if !visit(session) {
			return nil
		}
	}
	return nil
}
