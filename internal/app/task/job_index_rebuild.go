/*
 * @Description: 秒传索引的定期重建任务
 * @Author: 安知鱼
 * @Date: 2025-08-03 12:30:44
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package task

import (
	"context"
	"log/slog"

	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/repository"
)

// IndexRebuildJob 周期性地全量扫描会话元数据目录，重建
// fileHash -> uploadId 的二级索引。索引只是查询加速器，
// 即使与磁盘短暂不一致也不影响正确性，因此低频重建即可。
type IndexRebuildJob struct {
	sessionRepo repository.SessionRepository
	logger      *slog.Logger
}

// NewIndexRebuildJob 是 IndexRebuildJob 的构造函数
func NewIndexRebuildJob(sessionRepo repository.SessionRepository, logger *slog.Logger) *IndexRebuildJob {
	return &IndexRebuildJob{
		sessionRepo: sessionRepo,
		logger:      logger,
	}
}

// Name 返回任务的可读名称
func (j *IndexRebuildJob) Name() string {
	return "IndexRebuildJob"
}

// Run 执行一次索引重建
func (j *IndexRebuildJob) Run() {
	count, err := j.sessionRepo.RebuildIndex(context.Background())
	if err != nil {
		j.logger.Error("重建秒传索引失败", slog.Any("error", err))
		return
	}
	j.logger.Info("秒传索引重建完成", slog.Int("completed_sessions", count))
}
