/*
 * @Description: 上传协议相关的常量定义
 * @Author: 安知鱼
 * @Date: 2025-06-28 00:21:55
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package constant

import "time"

// 上传协议的默认限制
const (
	// DefaultChunkSize 默认分片大小 5MB
	DefaultChunkSize = 5 * 1024 * 1024

	// MaxChunkSize 单个分片的上限 50MB
	MaxChunkSize = 50 * 1024 * 1024

	// MaxFileSize 单个文件的上限 10GB
	MaxFileSize = 10 * 1024 * 1024 * 1024

	// UploadTokenExpiration 上传凭证有效期
	UploadTokenExpiration = 24 * time.Hour
)

// 协议使用的 HTTP 请求头
const (
	HeaderUploadToken      = "Upload-Token"
	HeaderUploadHash       = "Upload-Hash"
	HeaderUploadHashType   = "Upload-Hash-Type"
	HeaderUploadChunkIndex = "Upload-Chunk-Index"
)

// HashType 表示校验请求针对的对象：单个分片或整个文件
type HashType string

const (
	HashTypeChunk HashType = "chunk"
	HashTypeFile  HashType = "file"
)

// UploadStatus 表示服务端会话记录的状态
type UploadStatus string

const (
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusFailed    UploadStatus = "failed"
)
