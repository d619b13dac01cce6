/*
 * @Description: 文件上传相关的领域模型
 * @Author: 安知鱼
 * @Date: 2025-08-02 12:05:44
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package model

import (
	"time"

	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
)

// --- API 请求模型 ---

// CreateUploadRequest 对应“创建上传会话”API的请求体。
type CreateUploadRequest struct {
	FileName     string `json:"fileName" binding:"required"`
	FileSize     int64  `json:"fileSize" binding:"required,min=1"`
	FileType     string `json:"fileType"`
	LastModified int64  `json:"lastModified"`
}

// MergeRequest 对应“合并分片”API的请求体。
// Chunks 必须是按分片序号排列的摘要列表，服务端按它还原文件内容的顺序。
type MergeRequest struct {
	FileHash string   `json:"fileHash" binding:"required"`
	Chunks   []string `json:"chunks" binding:"required"`
}

// --- API 响应模型 ---

// UploadSessionData 定义了创建上传会话后返回给客户端的响应数据
type UploadSessionData struct {
	UploadToken string `json:"uploadToken"`
	ChunkSize   int64  `json:"chunkSize"`
}

// VerifyResult 定义了校验接口的响应数据。
// 校验分片时只使用 HasFile；校验整文件时可能附带 Rest（尚缺的分片摘要）或 URL（秒传）。
type VerifyResult struct {
	HasFile bool     `json:"hasFile"`
	Rest    []string `json:"rest,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// MergeResult 定义了合并接口的响应数据
type MergeResult struct {
	URL string `json:"url"`
}

// SessionProgress 定义了查询会话进度接口的响应体
type SessionProgress struct {
	UploadID       string                `json:"uploadId"`
	FileName       string                `json:"fileName"`
	FileSize       int64                 `json:"fileSize"`
	Status         constant.UploadStatus `json:"status"`
	TotalChunks    int                   `json:"totalChunks"`
	UploadedChunks int                   `json:"uploadedChunks"`
	FileHash       string                `json:"fileHash,omitempty"`
	ArtifactURL    string                `json:"artifactUrl,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// --- 内部领域模型 ---

// UploadSession 是服务端持久化的会话记录 (uploads/metadata/<uploadId>.json)。
// Chunks 与 FileHash 仅在合并时一次性写入；在那之前记录保持 uploading 状态。
type UploadSession struct {
	UploadID    string                `json:"upload_id"`
	FileName    string                `json:"file_name"`
	FileSize    int64                 `json:"file_size"`
	FileType    string                `json:"file_type"`
	Status      constant.UploadStatus `json:"status"`
	Chunks      []string              `json:"chunks"`
	FileHash    string                `json:"file_hash"`
	ArtifactURL string                `json:"artifact_url"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// IsCompleted 判断会话是否已合并完成。
// 完成态的约束：Chunks 非空、FileHash 与 ArtifactURL 均已填充。
func (s *UploadSession) IsCompleted() bool {
	return s.Status == constant.UploadStatusCompleted &&
		len(s.Chunks) > 0 && s.FileHash != "" && s.ArtifactURL != ""
}

// TotalChunks 根据文件大小与分片大小计算分片总数
func TotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}
