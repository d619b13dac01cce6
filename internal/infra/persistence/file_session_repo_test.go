package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/repository"
)

func newTestRepo(t *testing.T) repository.SessionRepository {
	t.Helper()
	repo, err := NewFileSessionRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSessionRepository 返回错误: %v", err)
	}
	return repo
}

func completedSession(uploadID, fileHash string) *model.UploadSession {
	now := time.Now()
	return &model.UploadSession{
		UploadID:    uploadID,
		FileName:    "demo.bin",
		FileSize:    1024,
		FileType:    "application/octet-stream",
		Status:      constant.UploadStatusCompleted,
		Chunks:      []string{"0123456789abcdef0123456789abcdef"},
		FileHash:    fileHash,
		ArtifactURL: "/api/upload/file/" + uploadID + "/demo.bin",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveAndFindByID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := &model.UploadSession{
		UploadID:  "sess-1",
		FileName:  "a.txt",
		FileSize:  10,
		Status:    constant.UploadStatusUploading,
		Chunks:    []string{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}

	got, err := repo.FindByID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("FindByID 返回错误: %v", err)
	}
	if got.FileName != "a.txt" || got.Status != constant.UploadStatusUploading {
		t.Errorf("读取的会话与写入不一致: %+v", got)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.FindByID(context.Background(), "missing"); !errors.Is(err, constant.ErrNotFound) {
		t.Errorf("FindByID 未知会话 = %v, 期望 ErrNotFound", err)
	}
}

func TestFindCompletedByFileHash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := completedSession("sess-2", "feedfacefeedfacefeedfacefeedface")
	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}

	got, err := repo.FindCompletedByFileHash(ctx, session.FileHash)
	if err != nil {
		t.Fatalf("FindCompletedByFileHash 返回错误: %v", err)
	}
	if got.UploadID != "sess-2" {
		t.Errorf("UploadID = %s, 期望 sess-2", got.UploadID)
	}

	// 未完成的会话不能被整文件摘要查到
	uploading := &model.UploadSession{
		UploadID:  "sess-3",
		FileName:  "b.txt",
		FileSize:  10,
		Status:    constant.UploadStatusUploading,
		FileHash:  "0000000000000000aaaaaaaaaaaaaaaa",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := repo.Save(ctx, uploading); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}
	if _, err := repo.FindCompletedByFileHash(ctx, uploading.FileHash); !errors.Is(err, constant.ErrNotFound) {
		t.Errorf("查询未完成会话的摘要 = %v, 期望 ErrNotFound", err)
	}
}

func TestIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFileSessionRepository(dir)
	if err != nil {
		t.Fatalf("NewFileSessionRepository 返回错误: %v", err)
	}
	session := completedSession("sess-4", "cafebabecafebabecafebabecafebabe")
	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}

	// 重新构造仓库模拟进程重启，索引应当从磁盘重建
	repo2, err := NewFileSessionRepository(dir)
	if err != nil {
		t.Fatalf("重建仓库返回错误: %v", err)
	}
	got, err := repo2.FindCompletedByFileHash(ctx, session.FileHash)
	if err != nil {
		t.Fatalf("重启后 FindCompletedByFileHash 返回错误: %v", err)
	}
	if got.UploadID != "sess-4" {
		t.Errorf("UploadID = %s, 期望 sess-4", got.UploadID)
	}
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := completedSession("sess-5", "beefdeadbeefdeadbeefdeadbeefdead")
	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}
	if err := repo.Delete(ctx, "sess-5"); err != nil {
		t.Fatalf("Delete 返回错误: %v", err)
	}
	if _, err := repo.FindByID(ctx, "sess-5"); !errors.Is(err, constant.ErrNotFound) {
		t.Errorf("删除后 FindByID = %v, 期望 ErrNotFound", err)
	}
	if _, err := repo.FindCompletedByFileHash(ctx, session.FileHash); !errors.Is(err, constant.ErrNotFound) {
		t.Errorf("删除后索引仍能命中: %v", err)
	}

	// 删除不存在的会话不报错
	if err := repo.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("删除不存在的会话返回错误: %v", err)
	}
}

func TestRebuildIndex(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, s := range []*model.UploadSession{
		completedSession("sess-6", "11111111111111111111111111111111"),
		completedSession("sess-7", "22222222222222222222222222222222"),
	} {
		if err := repo.Save(ctx, s); err != nil {
			t.Fatalf("Save 返回错误: %v", err)
		}
	}

	count, err := repo.RebuildIndex(ctx)
	if err != nil {
		t.Fatalf("RebuildIndex 返回错误: %v", err)
	}
	if count != 2 {
		t.Errorf("RebuildIndex 收录 %d 条, 期望 2", count)
	}
}
