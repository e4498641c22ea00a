// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 上传会话的状态机取值。
// INITIATED -> UPLOADING -> PROCESSING -> {COMPLETED | FAILED}
// 前三个状态都可能进入 CANCELLED（用户取消）或 EXPIRED（超时回收）。
const (
	StatusInitiated  = "INITIATED"
	StatusUploading  = "UPLOADING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
	StatusExpired    = "EXPIRED"
)

// IsTerminalStatus 判断状态是否为终态。终态会话不再接收分片，也不会被重新处理。
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// UploadSession 定义了 upload_session 表的 ORM 模型。
// 它记录一次分片上传会话的全部元数据和处理状态。
type UploadSession struct {
	ID             string `gorm:"type:varchar(36);primaryKey" json:"id"`
	FileName       string `gorm:"type:varchar(255);not null" json:"fileName"`
	FileSize       int64  `gorm:"not null" json:"fileSize"`
	DeclaredHash   string `gorm:"type:varchar(64);index" json:"declaredHash"` // 客户端声明的 SHA-256，校验前仅供参考
	WholeFileHash  string `gorm:"type:varchar(64)" json:"wholeFileHash"`      // 装配后实际计算出的 SHA-256
	ChunkSize      int64  `gorm:"not null" json:"chunkSize"`
	TotalChunks    int    `gorm:"not null" json:"totalChunks"`
	UploadedChunks int    `gorm:"not null;default:0" json:"uploadedChunks"`
	Status         string `gorm:"type:varchar(16);not null;index" json:"status"`
	Platform       string `gorm:"type:varchar(32)" json:"platform"` // 由扩展名推断，不可信
	MimeType       string `gorm:"type:varchar(128)" json:"mimeType"`
	StagingPath    string `gorm:"type:varchar(500)" json:"-"`
	FinalPath      string `gorm:"type:varchar(500)" json:"finalPath"` // 仅在 COMPLETED 时非空
	// ValidationOutcome 记录校验结论：PASSED（容器格式通过压缩包安全校验）或
	// NOT_ARCHIVE（非容器格式，无需压缩包校验）。失败原因记录在 ProcessingError。
	ValidationOutcome string     `gorm:"type:varchar(32)" json:"validationOutcome"`
	Metadata          string     `gorm:"type:text" json:"metadata"` // 解包得到的指标等任意 JSON
	ProcessingError   string     `gorm:"type:varchar(500)" json:"processingError"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	ExpiresAt         time.Time  `gorm:"not null;index" json:"expiresAt"`
	ProcessingStarted *time.Time `gorm:"default:null" json:"processingStarted"`
	ProcessingEnded   *time.Time `gorm:"default:null" json:"processingEnded"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadSession) TableName() string {
	return "upload_session"
}

// UploadChunk 对应于数据库中的 'upload_chunk' 表。
// 每条记录描述一个已接收的分片，(session_id, chunk_index) 唯一。
type UploadChunk struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_session_chunk" json:"sessionId"`
	ChunkIndex  int       `gorm:"not null;uniqueIndex:idx_session_chunk" json:"chunkIndex"`
	Size        int64     `gorm:"not null" json:"size"`
	Hash        string    `gorm:"type:varchar(64);not null" json:"hash"` // 分片字节的 SHA-256
	StoragePath string    `gorm:"type:varchar(500);not null" json:"-"`
	Uploaded    bool      `gorm:"not null;default:true" json:"uploaded"`
	UploadedAt  time.Time `gorm:"autoCreateTime" json:"uploadedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadChunk) TableName() string {
	return "upload_chunk"
}
