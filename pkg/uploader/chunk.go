/*
 * @Description: 分片描述符
 * @Author: 安知鱼
 * @Date: 2025-08-04 09:32:15
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package uploader

import "io"

// Chunk 描述源文件中一个连续的字节区间 [Start, End)。
// 内容不驻留内存：Reader 每次都基于底层 io.ReaderAt 重新打开区间，
// 指纹计算与网络重传都按需读取。
type Chunk struct {
	Index  int    // 分片序号，从 0 开始、全文件连续且唯一
	Start  int64  // 起始偏移（含）
	End    int64  // 结束偏移（不含），End-Start 不超过分片大小
	Digest string // 分片摘要，指纹计算完成后填充且只填充一次

	source io.ReaderAt
}

// Size 返回分片的字节数
func (c *Chunk) Size() int64 {
	return c.End - c.Start
}

// Reader 返回分片内容的读取器，按需物化底层字节
func (c *Chunk) Reader() io.Reader {
	return io.NewSectionReader(c.source, c.Start, c.Size())
}

// buildChunks 按固定分片大小计算全部描述符。
// 最后一片可以短于分片大小；只生成描述符，不读任何数据。
func buildChunks(src io.ReaderAt, fileSize, chunkSize int64) []*Chunk {
	if fileSize <= 0 || chunkSize <= 0 {
		return nil
	}
	n := int((fileSize + chunkSize - 1) / chunkSize)
	chunks := make([]*Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, &Chunk{
			Index:  i,
			Start:  start,
			End:    end,
			source: src,
		})
	}
	return chunks
}
