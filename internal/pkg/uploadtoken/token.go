/*
 * @Description: 上传凭证的签发与校验
 * @Author: 安知鱼
 * @Date: 2025-08-02 11:40:12
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package uploadtoken

import (
	"fmt"
	"time"

	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsKey 是凭证信息在 gin.Context 中的存放键
const ClaimsKey = "upload_claims"

// Claims 是上传凭证携带的会话信息。
// 对客户端而言凭证是不透明字符串；服务端只从中提取 UploadID 等元数据。
type Claims struct {
	UploadID  string `json:"upload_id"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	FileType  string `json:"file_type"`
	CreatedAt int64  `json:"created_at"`
	jwt.RegisteredClaims
}

// Generate 为一个新建的上传会话签发凭证，有效期 24 小时。
func Generate(uploadID, fileName string, fileSize int64, fileType string, secretKey []byte) (string, error) {
	if len(secretKey) == 0 {
		return "", fmt.Errorf("JWT Secret 不能为空")
	}

	now := time.Now()
	claims := Claims{
		UploadID:  uploadID,
		FileName:  fileName,
		FileSize:  fileSize,
		FileType:  fileType,
		CreatedAt: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(constant.UploadTokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "anheyu-upload",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secretKey)
}

// Parse 校验凭证并返回其中的会话信息
func Parse(tokenStr string, secretKey []byte) (*Claims, error) {
	if len(secretKey) == 0 {
		return nil, fmt.Errorf("JWT Secret 不能为空")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secretKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("解析上传凭证失败: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("无效或过期的上传凭证")
	}

	return claims, nil
}
