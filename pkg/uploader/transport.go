/*
 * @Description: 传输适配器接口与错误分类
 * @Author: 安知鱼
 * @Date: 2025-08-04 14:08:27
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package uploader

import (
	"context"
	"errors"

	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
)

// Transport 抽象了上传协议的四个远端操作。
// 控制器只面向这个接口编程；凭证在适配器内部随请求携带，
// 控制器除了透传 token 字符串之外不关心凭证的形态。
type Transport interface {
	// Initiate 注册文件元信息，换取上传凭证与服务端分片大小
	Initiate(ctx context.Context, meta *model.CreateUploadRequest) (*model.UploadSessionData, error)
	// Verify 查询一个分片摘要或整文件摘要是否已存在
	Verify(ctx context.Context, token, hash string, hashType constant.HashType, chunkIndex int) (*model.VerifyResult, error)
	// TransferChunk 上传单个分片的内容；onProgress 可为 nil
	TransferChunk(ctx context.Context, token string, chunk *Chunk, onProgress func(written int64)) error
	// Merge 按序号顺序提交全部分片摘要，定稿会话并返回产物地址
	Merge(ctx context.Context, token, fileHash string, chunks []string) (string, error)
}

// TransientError 标记可以按退避策略重试的瞬时故障
// （网络错误、超时、5xx 等）。其余错误视为致命，立即终止会话。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "瞬时传输故障: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient 判断一个错误是否值得重试
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
