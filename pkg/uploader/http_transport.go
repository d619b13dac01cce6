/*
 * @Description: 基于 net/http 的传输适配器实现
 * @Author: 安知鱼
 * @Date: 2025-08-04 14:40:55
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
)

// 分片传输可能很慢，统一使用宽松的超时
const defaultRequestTimeout = 2 * time.Minute

// HTTPTransport 通过统一响应信封与服务端对话。
// baseURL 形如 http://host:port/api/upload。
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport 是 HTTPTransport 的构造函数
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

// envelope 对应服务端的统一响应结构
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// do 发出请求并解包响应信封。
// 网络层失败与 5xx 归类为瞬时错误；4xx 与业务失败是致命错误。
func (t *HTTPTransport) do(req *http.Request, out interface{}) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransientError{Err: fmt.Errorf("服务端错误: HTTP %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("解析响应信封失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return fmt.Errorf("请求被拒绝 (HTTP %d): %s", resp.StatusCode, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}

// Initiate 实现了 Transport 接口
func (t *HTTPTransport) Initiate(ctx context.Context, meta *model.CreateUploadRequest) (*model.UploadSessionData, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("序列化文件元信息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/create", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var data model.UploadSessionData
	if err := t.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Verify 实现了 Transport 接口；chunkIndex 为负时不携带序号头
func (t *HTTPTransport) Verify(ctx context.Context, token, hash string, hashType constant.HashType, chunkIndex int) (*model.VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, t.baseURL+"/verify", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(constant.HeaderUploadToken, token)
	req.Header.Set(constant.HeaderUploadHash, hash)
	req.Header.Set(constant.HeaderUploadHashType, string(hashType))
	if chunkIndex >= 0 {
		req.Header.Set(constant.HeaderUploadChunkIndex, strconv.Itoa(chunkIndex))
	}

	var data model.VerifyResult
	if err := t.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// progressReader 包装分片读取器，把读出的字节数上报给回调
type progressReader struct {
	r          io.Reader
	onProgress func(written int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return n, err
}

// TransferChunk 实现了 Transport 接口。
// 通过管道流式生成 multipart 请求体，分片内容不会整块驻留内存。
// 服务端对 /chunk 的拒绝（包括完整性校验失败）一律视为瞬时错误，
// 由控制器按退避策略重传该分片。
func (t *HTTPTransport) TransferChunk(ctx context.Context, token string, chunk *Chunk, onProgress func(written int64)) error {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		var err error
		defer func() {
			pw.CloseWithError(err)
		}()

		fields := map[string]string{
			"chunkIndex": strconv.Itoa(chunk.Index),
			"chunkHash":  chunk.Digest,
			"chunkStart": strconv.FormatInt(chunk.Start, 10),
			"chunkEnd":   strconv.FormatInt(chunk.End, 10),
		}
		for name, value := range fields {
			if err = writer.WriteField(name, value); err != nil {
				return
			}
		}

		var part io.Writer
		part, err = writer.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", chunk.Index))
		if err != nil {
			return
		}
		if _, err = io.Copy(part, &progressReader{r: chunk.Reader(), onProgress: onProgress}); err != nil {
			return
		}
		err = writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chunk", pr)
	if err != nil {
		return err
	}
	req.Header.Set(constant.HeaderUploadToken, token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	if err := t.do(req, nil); err != nil {
		if IsTransient(err) {
			return err
		}
		// 分片传输的语义失败也交给重试策略处理（重传即自愈）
		return &TransientError{Err: err}
	}
	return nil
}

// Merge 实现了 Transport 接口
func (t *HTTPTransport) Merge(ctx context.Context, token, fileHash string, chunks []string) (string, error) {
	body, err := json.Marshal(&model.MergeRequest{
		FileHash: fileHash,
		Chunks:   chunks,
	})
	if err != nil {
		return "", fmt.Errorf("序列化合并请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/merge", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set(constant.HeaderUploadToken, token)
	req.Header.Set("Content-Type", "application/json")

	var data model.MergeResult
	if err := t.do(req, &data); err != nil {
		return "", err
	}
	return data.URL, nil
}
