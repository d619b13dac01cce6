/*
 * @Description: 内容寻址的分片存储
 * @Author: 安知鱼
 * @Date: 2025-08-02 14:32:50
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package storage

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/hashing"
	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
)

// ChunkStore 以分片自身的摘要作为存储键，把分片写入两级散列目录。
// 同一段内容无论来自哪个会话都只存一份，写入天然幂等。
type ChunkStore struct {
	baseDir string
}

// NewChunkStore 是 ChunkStore 的构造函数，baseDir 通常为 <上传根目录>/chunks。
func NewChunkStore(baseDir string) (*ChunkStore, error) {
	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("无法创建分片存储目录 '%s': %w", baseDir, err)
	}
	return &ChunkStore{baseDir: baseDir}, nil
}

// Path 返回一个摘要对应的物理路径: <baseDir>/<摘要前两位>/<摘要>.chunk
func (s *ChunkStore) Path(digest string) string {
	return filepath.Join(s.baseDir, digest[:2], digest+".chunk")
}

// Has 检查摘要对应的分片是否已经存在
func (s *ChunkStore) Has(digest string) (bool, error) {
	if !hashing.IsValid(digest) {
		return false, fmt.Errorf("%w: 非法的分片摘要 '%s'", constant.ErrBadRequest, digest)
	}
	_, err := os.Stat(s.Path(digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Save 将分片内容写入存储。写入过程中同步重算摘要，
// 与声明值不一致时拒绝落盘并返回完整性错误。
// 分片已存在时跳过写入（内容寻址保证同键即同内容）。
func (s *ChunkStore) Save(digest string, r io.Reader) error {
	if !hashing.IsValid(digest) {
		return fmt.Errorf("%w: 非法的分片摘要 '%s'", constant.ErrBadRequest, digest)
	}

	finalPath := s.Path(digest)
	if _, err := os.Stat(finalPath); err == nil {
		// 已存在，消费掉请求体即可
		if _, err := io.Copy(io.Discard, r); err != nil {
			return fmt.Errorf("读取重复分片内容失败: %w", err)
		}
		return nil
	}

	shardDir := filepath.Dir(finalPath)
	if err := os.MkdirAll(shardDir, os.ModePerm); err != nil {
		return fmt.Errorf("无法创建分片散列目录 '%s': %w", shardDir, err)
	}

	tempFile, err := os.CreateTemp(shardDir, digest+"-*.tmp")
	if err != nil {
		return fmt.Errorf("无法创建分片临时文件: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	// 边写边算，避免为校验再读一遍磁盘
	h := hashing.New()
	if _, err := io.Copy(io.MultiWriter(tempFile, h), r); err != nil {
		tempFile.Close()
		return fmt.Errorf("写入分片数据失败: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("同步分片到磁盘失败: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("关闭分片临时文件失败: %w", err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != digest {
		return fmt.Errorf("%w: 声明 %s, 实际 %s", constant.ErrIntegrity, digest, actual)
	}

	if err := os.Rename(tempName, finalPath); err != nil {
		// 并发写同一摘要时可能已被他人落盘，存在即成功
		if _, statErr := os.Stat(finalPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("分片落盘失败: %w", err)
	}
	return nil
}

// Open 返回分片内容的读取流，调用方负责关闭
func (s *ChunkStore) Open(digest string) (io.ReadCloser, error) {
	if !hashing.IsValid(digest) {
		return nil, fmt.Errorf("%w: 非法的分片摘要 '%s'", constant.ErrBadRequest, digest)
	}
	f, err := os.Open(s.Path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", constant.ErrChunkMissing, digest)
		}
		return nil, fmt.Errorf("无法打开分片文件 '%s': %w", digest, err)
	}
	return f, nil
}

// Size 返回分片的字节数
func (s *ChunkStore) Size(digest string) (int64, error) {
	info, err := os.Stat(s.Path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", constant.ErrChunkMissing, digest)
		}
		return 0, err
	}
	return info.Size(), nil
}

// MissingOf 返回给定摘要列表中尚未入库的那部分，保持原有顺序
func (s *ChunkStore) MissingOf(digests []string) []string {
	var missing []string
	for _, d := range digests {
		ok, err := s.Has(d)
		if err != nil {
			log.Printf("[ChunkStore] 警告: 检查分片 %s 时出错: %v", d, err)
			missing = append(missing, d)
			continue
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return missing
}
