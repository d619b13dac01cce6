/*
 * @Description: 分片上传相关的 HTTP 处理器
 * @Author: 安知鱼
 * @Date: 2025-08-02 18:10:26
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package upload

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/uploadtoken"
	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/model"
	"github.com/anzhiyu-c/anheyu-upload/pkg/response"
	upload_service "github.com/anzhiyu-c/anheyu-upload/pkg/service/upload"

	"github.com/gin-gonic/gin"
)

// Handler 聚合了上传协议的所有 HTTP 入口。
type Handler struct {
	uploadSvc   upload_service.IUploadService
	assemblySvc *upload_service.AssemblyService
}

// NewHandler 是 Handler 的构造函数
func NewHandler(uploadSvc upload_service.IUploadService, assemblySvc *upload_service.AssemblyService) *Handler {
	return &Handler{
		uploadSvc:   uploadSvc,
		assemblySvc: assemblySvc,
	}
}

// getClaims 从上下文中取出凭证中间件解析好的会话信息
func getClaims(c *gin.Context) (*uploadtoken.Claims, error) {
	claimsValue, exists := c.Get(uploadtoken.ClaimsKey)
	if !exists {
		return nil, errors.New("上下文中缺少上传凭证信息")
	}
	claims, ok := claimsValue.(*uploadtoken.Claims)
	if !ok {
		return nil, errors.New("上传凭证信息格式不正确")
	}
	return claims, nil
}

// failWith 根据业务错误类型映射 HTTP 状态码
func failWith(c *gin.Context, err error, prefix string) {
	var code int
	switch {
	case errors.Is(err, constant.ErrBadRequest),
		errors.Is(err, constant.ErrIntegrity),
		errors.Is(err, constant.ErrChunkMissing),
		errors.Is(err, constant.ErrFileTooLarge),
		errors.Is(err, constant.ErrChunkTooLarge):
		code = http.StatusBadRequest
	case errors.Is(err, constant.ErrUnauthorized), errors.Is(err, constant.ErrInvalidToken):
		code = http.StatusUnauthorized
	case errors.Is(err, constant.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, constant.ErrNotFound), errors.Is(err, constant.ErrSessionExpired):
		code = http.StatusNotFound
	case errors.Is(err, constant.ErrConflict):
		code = http.StatusConflict
	default:
		code = http.StatusInternalServerError
	}
	response.Fail(c, code, prefix+": "+err.Error())
}

// CreateUploadSession 处理创建上传会话的请求 (POST /api/upload/create)
// @Summary      创建上传会话
// @Description  注册文件元信息，返回上传凭证与服务端分片大小
// @Tags         分片上传
// @Accept       json
// @Produce      json
// @Param        body  body  model.CreateUploadRequest  true  "文件元信息"
// @Success      200  {object}  response.Response  "创建成功"
// @Failure      400  {object}  response.Response  "请求参数无效"
// @Router       /create [post]
func (h *Handler) CreateUploadSession(c *gin.Context) {
	var req model.CreateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
		return
	}

	sessionData, err := h.uploadSvc.CreateUploadSession(c.Request.Context(), &req)
	if err != nil {
		failWith(c, err, "创建上传会话失败")
		return
	}
	response.Success(c, sessionData, "上传会话创建成功")
}

// VerifyHash 处理摘要校验的请求 (PATCH /api/upload/verify)
// @Summary      校验摘要
// @Description  查询分片摘要或整文件摘要是否已存在，用于断点续传与秒传
// @Tags         分片上传
// @Produce      json
// @Param        Upload-Token      header  string  true   "上传凭证"
// @Param        Upload-Hash       header  string  true   "待校验的摘要"
// @Param        Upload-Hash-Type  header  string  true   "chunk 或 file"
// @Param        Upload-Chunk-Index  header  int   false  "分片序号（仅 chunk 时有意义）"
// @Success      200  {object}  response.Response  "校验完成"
// @Failure      400  {object}  response.Response  "请求参数无效"
// @Failure      401  {object}  response.Response  "凭证无效"
// @Router       /verify [patch]
func (h *Handler) VerifyHash(c *gin.Context) {
	claims, err := getClaims(c)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, err.Error())
		return
	}

	hash := c.GetHeader(constant.HeaderUploadHash)
	hashType := constant.HashType(c.GetHeader(constant.HeaderUploadHashType))
	if hash == "" || hashType == "" {
		response.Fail(c, http.StatusBadRequest, "缺少 Upload-Hash 或 Upload-Hash-Type 请求头")
		return
	}

	result, err := h.uploadSvc.VerifyHash(c.Request.Context(), claims, hash, hashType)
	if err != nil {
		failWith(c, err, "校验摘要失败")
		return
	}
	response.Success(c, result, "校验完成")
}

// UploadChunk 处理上传分片的请求 (POST /api/upload/chunk)
// @Summary      上传分片
// @Description  以 multipart 表单上传单个分片及其元信息
// @Tags         分片上传
// @Accept       multipart/form-data
// @Produce      json
// @Param        Upload-Token  header  string  true  "上传凭证"
// @Param        chunk       formData  file    true  "分片内容"
// @Param        chunkIndex  formData  int     true  "分片序号（从0开始）"
// @Param        chunkHash   formData  string  true  "分片摘要"
// @Param        chunkStart  formData  int     true  "分片起始偏移"
// @Param        chunkEnd    formData  int     true  "分片结束偏移（不含）"
// @Success      200  {object}  response.Response  "分片上传成功"
// @Failure      400  {object}  response.Response  "参数或完整性校验失败"
// @Failure      401  {object}  response.Response  "凭证无效"
// @Router       /chunk [post]
func (h *Handler) UploadChunk(c *gin.Context) {
	claims, err := getClaims(c)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, err.Error())
		return
	}

	index, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil || index < 0 {
		response.Fail(c, http.StatusBadRequest, "无效的分块索引")
		return
	}
	digest := c.PostForm("chunkHash")
	if digest == "" {
		response.Fail(c, http.StatusBadRequest, "缺少分片摘要")
		return
	}
	start, err := strconv.ParseInt(c.PostForm("chunkStart"), 10, 64)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, "无效的分片起始偏移")
		return
	}
	end, err := strconv.ParseInt(c.PostForm("chunkEnd"), 10, 64)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, "无效的分片结束偏移")
		return
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		response.Fail(c, http.StatusBadRequest, "缺少分片内容: "+err.Error())
		return
	}
	chunkFile, err := fileHeader.Open()
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, "读取分片内容失败: "+err.Error())
		return
	}
	defer chunkFile.Close()

	if err := h.uploadSvc.UploadChunk(c.Request.Context(), claims, index, digest, start, end, chunkFile); err != nil {
		failWith(c, err, "分片上传失败")
		return
	}
	response.Success(c, gin.H{}, "分片上传成功")
}

// Merge 处理合并分片的请求 (POST /api/upload/merge)
// @Summary      合并分片
// @Description  按客户端给出的摘要顺序定稿会话，返回产物地址
// @Tags         分片上传
// @Accept       json
// @Produce      json
// @Param        Upload-Token  header  string             true  "上传凭证"
// @Param        body          body    model.MergeRequest  true  "整文件摘要与分片摘要列表"
// @Success      200  {object}  response.Response  "合并成功"
// @Failure      400  {object}  response.Response  "分片缺失或参数无效"
// @Failure      401  {object}  response.Response  "凭证无效"
// @Router       /merge [post]
func (h *Handler) Merge(c *gin.Context) {
	claims, err := getClaims(c)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, err.Error())
		return
	}

	var req model.MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
		return
	}

	result, err := h.uploadSvc.Merge(c.Request.Context(), claims, &req)
	if err != nil {
		failWith(c, err, "合并失败")
		return
	}
	response.Success(c, result, "合并成功")
}

// GetProgress 处理查询会话进度的请求 (GET /api/upload/progress/:uploadId)
// @Summary      查询会话进度
// @Description  返回指定上传会话的状态信息
// @Tags         分片上传
// @Produce      json
// @Param        uploadId  path  string  true  "会话ID"
// @Success      200  {object}  response.Response  "查询成功"
// @Failure      404  {object}  response.Response  "会话不存在或已过期"
// @Router       /progress/{uploadId} [get]
func (h *Handler) GetProgress(c *gin.Context) {
	uploadID := c.Param("uploadId")
	if uploadID == "" {
		response.Fail(c, http.StatusBadRequest, "缺少 uploadId")
		return
	}

	progress, err := h.uploadSvc.GetProgress(c.Request.Context(), uploadID)
	if err != nil {
		failWith(c, err, "查询会话进度失败")
		return
	}
	response.Success(c, progress, "查询成功")
}

// DeleteUploadSession 处理取消上传会话的请求 (DELETE /api/upload/session)
// @Summary      删除上传会话
// @Description  取消并删除凭证对应的上传会话，已入库的分片保留
// @Tags         分片上传
// @Produce      json
// @Param        Upload-Token  header  string  true  "上传凭证"
// @Success      200  {object}  response.Response  "上传会话已删除"
// @Failure      401  {object}  response.Response  "凭证无效"
// @Router       /session [delete]
func (h *Handler) DeleteUploadSession(c *gin.Context) {
	claims, err := getClaims(c)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, err.Error())
		return
	}

	if err := h.uploadSvc.DeleteUploadSession(c.Request.Context(), claims); err != nil {
		failWith(c, err, "删除上传会话失败")
		return
	}
	response.Success(c, nil, "上传会话已删除")
}

// Download 处理下载最终文件的请求 (GET /api/upload/file/:uploadId/:fileName)
// @Summary      下载文件
// @Description  首次请求时按序拼装分片物化产物，之后直接下发
// @Tags         分片上传
// @Produce      octet-stream
// @Param        uploadId  path  string  true  "会话ID"
// @Param        fileName  path  string  true  "文件名"
// @Success      200  {file}  binary  "文件内容"
// @Failure      404  {object}  response.Response  "会话不存在或尚未完成"
// @Router       /file/{uploadId}/{fileName} [get]
func (h *Handler) Download(c *gin.Context) {
	uploadID := c.Param("uploadId")
	fileName := c.Param("fileName")
	if uploadID == "" || fileName == "" {
		response.Fail(c, http.StatusBadRequest, "缺少 uploadId 或 fileName")
		return
	}

	session, err := h.uploadSvc.GetSession(c.Request.Context(), uploadID)
	if err != nil {
		failWith(c, err, "查询会话失败")
		return
	}
	if !session.IsCompleted() {
		response.Fail(c, http.StatusNotFound, constant.ErrSessionNotCompleted.Error())
		return
	}

	// 响应头发出之前完成物化；之后的传输错误只能中断连接，无法再改状态码
	path, err := h.assemblySvc.Materialize(c.Request.Context(), session)
	if err != nil {
		failWith(c, err, "物化文件失败")
		return
	}

	// FileAttachment 基于 http.ServeFile，自动带上 Content-Length 与断点续传支持
	c.FileAttachment(path, session.FileName)
}
