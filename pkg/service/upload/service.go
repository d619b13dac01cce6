/*
 * @Description: 分片上传的核心业务逻辑
 * @Author: 安知鱼
 * @Date: 2025-08-02 16:20:35
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/anzhiyu-c/anheyu-upload/internal/infra/storage"
	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/hashing"
	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/uploadtoken"
	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/repository"
	"github.com/anzhiyu-c/anheyu-upload/pkg/service/utility"

	"github.com/google/uuid"
)

// 定义常量以提高代码可维护性
const (
	uploadSessionCachePrefix = "upload:session:"
	artifactURLPrefix        = "/api/upload/file"
)

// Options 集中了上传服务的可配置项，零值字段回落到协议默认值。
type Options struct {
	ChunkSize    int64
	MaxFileSize  int64
	MaxChunkSize int64
	JwtSecret    []byte
}

// IUploadService 定义了所有与分片上传相关的业务逻辑接口。
type IUploadService interface {
	// CreateUploadSession 创建一个新的上传会话并签发凭证。
	CreateUploadSession(ctx context.Context, req *model.CreateUploadRequest) (*model.UploadSessionData, error)
	// VerifyHash 校验一个分片摘要或整文件摘要是否已经存在（秒传/断点续传）。
	VerifyHash(ctx context.Context, claims *uploadtoken.Claims, hash string, hashType constant.HashType) (*model.VerifyResult, error)
	// UploadChunk 接收一个分片的内容并写入内容寻址存储。
	UploadChunk(ctx context.Context, claims *uploadtoken.Claims, index int, digest string, start, end int64, chunkStream io.Reader) error
	// Merge 按客户端给出的摘要顺序定稿会话。
	Merge(ctx context.Context, claims *uploadtoken.Claims, req *model.MergeRequest) (*model.MergeResult, error)
	// GetProgress 查询指定会话的进度信息。
	GetProgress(ctx context.Context, uploadID string) (*model.SessionProgress, error)
	// GetSession 返回完整的会话记录，供下载与拼装使用。
	GetSession(ctx context.Context, uploadID string) (*model.UploadSession, error)
	// DeleteUploadSession 取消并删除一个上传会话，已入库的分片保留用于去重。
	DeleteUploadSession(ctx context.Context, claims *uploadtoken.Claims) error
}

// uploadService 是 IUploadService 接口的实现。
type uploadService struct {
	sessionRepo repository.SessionRepository // 会话记录仓库
	chunkStore  *storage.ChunkStore          // 内容寻址分片存储
	cacheSvc    utility.CacheService         // 缓存服务，加速会话查询
	opts        Options
}

// NewUploadService 是 uploadService 的构造函数
func NewUploadService(
	sessionRepo repository.SessionRepository,
	chunkStore *storage.ChunkStore,
	cacheSvc utility.CacheService,
	opts Options,
) IUploadService {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = constant.DefaultChunkSize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = constant.MaxFileSize
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = constant.MaxChunkSize
	}

	return &uploadService{
		sessionRepo: sessionRepo,
		chunkStore:  chunkStore,
		cacheSvc:    cacheSvc,
		opts:        opts,
	}
}

// CreateUploadSession 在上传流程开始时，负责前置校验、落盘会话记录并签发上传凭证。
func (s *uploadService) CreateUploadSession(ctx context.Context, req *model.CreateUploadRequest) (*model.UploadSessionData, error) {
	// 步骤 1: 基本校验
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: 缺少文件名", constant.ErrBadRequest)
	}
	if req.FileSize <= 0 {
		return nil, fmt.Errorf("%w: 非法的文件大小 %d", constant.ErrBadRequest, req.FileSize)
	}
	if req.FileSize > s.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: %d 字节", constant.ErrFileTooLarge, req.FileSize)
	}

	// 步骤 2: 创建会话记录并落盘
	uploadID := uuid.NewString()
	now := time.Now()
	session := &model.UploadSession{
		UploadID:  uploadID,
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		FileType:  req.FileType,
		Status:    constant.UploadStatusUploading,
		Chunks:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessionRepo.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("持久化上传会话失败: %w", err)
	}
	s.cacheSession(ctx, session)

	// 步骤 3: 签发携带会话元数据的凭证
	token, err := uploadtoken.Generate(uploadID, req.FileName, req.FileSize, req.FileType, s.opts.JwtSecret)
	if err != nil {
		return nil, fmt.Errorf("签发上传凭证失败: %w", err)
	}

	return &model.UploadSessionData{
		UploadToken: token,
		ChunkSize:   s.opts.ChunkSize,
	}, nil
}

// VerifyHash 处理两类存在性查询：
// 分片摘要 -> 分片是否已入库（跨会话去重）；
// 整文件摘要 -> 是否已有同内容的完成会话（秒传），否则附带本会话尚缺的分片列表。
func (s *uploadService) VerifyHash(ctx context.Context, claims *uploadtoken.Claims, hash string, hashType constant.HashType) (*model.VerifyResult, error) {
	if !hashing.IsValid(hash) {
		return nil, fmt.Errorf("%w: 非法的摘要 '%s'", constant.ErrBadRequest, hash)
	}

	switch hashType {
	case constant.HashTypeChunk:
		exists, err := s.chunkStore.Has(hash)
		if err != nil {
			return nil, fmt.Errorf("检查分片是否存在失败: %w", err)
		}
		return &model.VerifyResult{HasFile: exists}, nil

	case constant.HashTypeFile:
		completed, err := s.sessionRepo.FindCompletedByFileHash(ctx, hash)
		if err == nil {
			return &model.VerifyResult{HasFile: true, URL: completed.ArtifactURL}, nil
		}
		if !errors.Is(err, constant.ErrNotFound) {
			return nil, fmt.Errorf("按整文件摘要查找会话失败: %w", err)
		}

		// 没有秒传命中时，基于当前会话记录计算尚缺的分片。
		// 会话的 Chunks 在合并前始终为空，因此 rest 此时也为空——这是协议既定行为。
		session, err := s.loadSession(ctx, claims.UploadID)
		if err != nil {
			return nil, err
		}
		return &model.VerifyResult{
			HasFile: false,
			Rest:    s.chunkStore.MissingOf(session.Chunks),
		}, nil

	default:
		return nil, fmt.Errorf("%w: 未知的摘要类型 '%s'", constant.ErrBadRequest, hashType)
	}
}

// UploadChunk 处理单个分片的上传。
// 分片按自身摘要写入内容寻址存储，入库前重算摘要做完整性校验；
// 会话记录不在此处变更，文件内容的顺序在合并时由客户端给出的摘要列表还原。
func (s *uploadService) UploadChunk(ctx context.Context, claims *uploadtoken.Claims, index int, digest string, start, end int64, chunkStream io.Reader) error {
	session, err := s.loadSession(ctx, claims.UploadID)
	if err != nil {
		return err
	}
	if session.Status != constant.UploadStatusUploading {
		return fmt.Errorf("%w: 会话状态为 %s", constant.ErrConflict, session.Status)
	}

	totalChunks := model.TotalChunks(session.FileSize, s.opts.ChunkSize)
	if index < 0 || index >= totalChunks {
		return fmt.Errorf("%w: 无效的分块索引 %d", constant.ErrBadRequest, index)
	}
	if start < 0 || end <= start || end > session.FileSize {
		return fmt.Errorf("%w: 非法的分片区间 [%d, %d)", constant.ErrBadRequest, start, end)
	}
	if end-start > s.opts.MaxChunkSize {
		return fmt.Errorf("%w: %d 字节", constant.ErrChunkTooLarge, end-start)
	}

	if err := s.chunkStore.Save(digest, io.LimitReader(chunkStream, s.opts.MaxChunkSize+1)); err != nil {
		return err
	}
	return nil
}

// Merge 在所有分片就位后定稿会话：校验分片齐全，
// 一次性写入摘要列表、整文件摘要与产物地址。
func (s *uploadService) Merge(ctx context.Context, claims *uploadtoken.Claims, req *model.MergeRequest) (*model.MergeResult, error) {
	session, err := s.loadSession(ctx, claims.UploadID)
	if err != nil {
		return nil, err
	}

	// 合并是幂等的：重复请求直接返回既有产物地址
	if session.IsCompleted() {
		return &model.MergeResult{URL: session.ArtifactURL}, nil
	}

	if req.FileHash == "" || !hashing.IsValid(req.FileHash) {
		return nil, fmt.Errorf("%w: 非法的整文件摘要", constant.ErrBadRequest)
	}
	if len(req.Chunks) == 0 {
		return nil, fmt.Errorf("%w: 分片列表为空", constant.ErrIntegrity)
	}
	expected := model.TotalChunks(session.FileSize, s.opts.ChunkSize)
	if len(req.Chunks) != expected {
		return nil, fmt.Errorf("%w: 分片数量 %d 与期望 %d 不符", constant.ErrIntegrity, len(req.Chunks), expected)
	}

	// 逐一确认分片在库，缺失任何一片都拒绝定稿
	if missing := s.chunkStore.MissingOf(req.Chunks); len(missing) > 0 {
		return nil, fmt.Errorf("%w: 共 %d 片", constant.ErrChunkMissing, len(missing))
	}

	// 一次性原子更新会话记录
	session.Status = constant.UploadStatusCompleted
	session.Chunks = req.Chunks
	session.FileHash = req.FileHash
	session.ArtifactURL = fmt.Sprintf("%s/%s/%s", artifactURLPrefix, session.UploadID, session.FileName)
	session.UpdatedAt = time.Now()
	if err := s.sessionRepo.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("定稿会话记录失败: %w", err)
	}
	s.cacheSession(ctx, session)

	log.Printf("[UploadService] 会话 %s 合并完成, 共 %d 片, 整文件摘要 %s", session.UploadID, len(req.Chunks), req.FileHash)
	return &model.MergeResult{URL: session.ArtifactURL}, nil
}

// GetProgress 实现了按 uploadId 查询会话进度的逻辑。
func (s *uploadService) GetProgress(ctx context.Context, uploadID string) (*model.SessionProgress, error) {
	session, err := s.loadSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	return &model.SessionProgress{
		UploadID:       session.UploadID,
		FileName:       session.FileName,
		FileSize:       session.FileSize,
		Status:         session.Status,
		TotalChunks:    model.TotalChunks(session.FileSize, s.opts.ChunkSize),
		UploadedChunks: len(session.Chunks),
		FileHash:       session.FileHash,
		ArtifactURL:    session.ArtifactURL,
		CreatedAt:      session.CreatedAt,
		UpdatedAt:      session.UpdatedAt,
	}, nil
}

// GetSession 返回完整的会话记录
func (s *uploadService) GetSession(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	return s.loadSession(ctx, uploadID)
}

// DeleteUploadSession 用于客户端主动取消一个上传会话。
// 已入库的分片特意保留：下次上传同样的内容可以直接命中去重。
func (s *uploadService) DeleteUploadSession(ctx context.Context, claims *uploadtoken.Claims) error {
	if err := s.sessionRepo.Delete(ctx, claims.UploadID); err != nil {
		return err
	}
	_ = s.cacheSvc.Delete(ctx, uploadSessionCachePrefix+claims.UploadID)
	return nil
}

// loadSession 先查缓存再落回仓库，命中仓库后回填缓存。
func (s *uploadService) loadSession(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	cacheKey := uploadSessionCachePrefix + uploadID
	if cached, err := s.cacheSvc.Get(ctx, cacheKey); err == nil && cached != "" {
		var session model.UploadSession
		if err := json.Unmarshal([]byte(cached), &session); err == nil {
			return &session, nil
		}
		// 缓存内容损坏时静默剔除，仍以磁盘记录为准
		_ = s.cacheSvc.Delete(ctx, cacheKey)
	}

	session, err := s.sessionRepo.FindByID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, constant.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", constant.ErrSessionExpired, uploadID)
		}
		return nil, err
	}
	s.cacheSession(ctx, session)
	return session, nil
}

// cacheSession 将会话写入缓存，失败只记日志不影响主流程
func (s *uploadService) cacheSession(ctx context.Context, session *model.UploadSession) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	key := uploadSessionCachePrefix + session.UploadID
	if err := s.cacheSvc.Set(ctx, key, string(data), constant.UploadTokenExpiration); err != nil {
		log.Printf("[UploadService] 警告: 写入会话缓存失败: %v", err)
	}
}
