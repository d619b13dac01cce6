/*
 * @Description: 会话仓库接口定义
 * @Author: 安知鱼
 * @Date: 2025-08-02 12:20:08
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package repository

import (
	"context"

	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
)

// SessionRepository 定义了上传会话记录的持久化接口。
// 实现需要保证 Save 对单条记录是原子的（写临时文件后改名）。
type SessionRepository interface {
	// Save 创建或覆盖一条会话记录
	Save(ctx context.Context, session *model.UploadSession) error
	// FindByID 按 uploadId 查找会话，找不到时返回 constant.ErrNotFound
	FindByID(ctx context.Context, uploadID string) (*model.UploadSession, error)
	// FindCompletedByFileHash 按整文件摘要查找已完成的会话，用于秒传；
	// 找不到时返回 constant.ErrNotFound
	FindCompletedByFileHash(ctx context.Context, fileHash string) (*model.UploadSession, error)
	// Delete 删除一条会话记录，记录不存在时不报错
	Delete(ctx context.Context, uploadID string) error
	// RebuildIndex 全量扫描持久化目录，重建 fileHash -> uploadId 的二级索引，
	// 返回已完成会话的数量
	RebuildIndex(ctx context.Context) (int, error)
}
