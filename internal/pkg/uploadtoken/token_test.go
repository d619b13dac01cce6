package uploadtoken

import (
	"testing"
)

func TestGenerateAndParse(t *testing.T) {
	secret := []byte("test-secret")

	tokenStr, err := Generate("upload-123", "movie.mp4", 1024, "video/mp4", secret)
	if err != nil {
		t.Fatalf("Generate 返回错误: %v", err)
	}
	if tokenStr == "" {
		t.Fatal("Generate 返回了空凭证")
	}

	claims, err := Parse(tokenStr, secret)
	if err != nil {
		t.Fatalf("Parse 返回错误: %v", err)
	}
	if claims.UploadID != "upload-123" {
		t.Errorf("UploadID = %s, 期望 upload-123", claims.UploadID)
	}
	if claims.FileName != "movie.mp4" {
		t.Errorf("FileName = %s, 期望 movie.mp4", claims.FileName)
	}
	if claims.FileSize != 1024 {
		t.Errorf("FileSize = %d, 期望 1024", claims.FileSize)
	}
	if claims.CreatedAt == 0 {
		t.Error("CreatedAt 未填充")
	}
}

func TestParseErrors(t *testing.T) {
	secret := []byte("test-secret")
	tokenStr, err := Generate("upload-123", "a.bin", 1, "application/octet-stream", secret)
	if err != nil {
		t.Fatalf("Generate 返回错误: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		secret []byte
	}{
		{name: "密钥不匹配", token: tokenStr, secret: []byte("other-secret")},
		{name: "凭证被篡改", token: tokenStr + "x", secret: secret},
		{name: "空凭证", token: "", secret: secret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.token, tt.secret); err == nil {
				t.Error("Parse 未返回预期的错误")
			}
		})
	}
}

func TestGenerateWithoutSecret(t *testing.T) {
	if _, err := Generate("id", "f", 0, "", nil); err == nil {
		t.Error("空密钥签发未返回错误")
	}
}
