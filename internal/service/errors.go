package service

import "errors"

// 会话层错误分类。分片级错误同步返回给调用方且不改变会话状态；
// 管道级错误被吸收进会话状态（FAILED + 错误消息），不会抛回上传调用方。
var (
	// ErrInvalidRequest 发起参数越界或格式非法，按原样重试不会成功。
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound 会话不存在。
	ErrNotFound = errors.New("session not found")
	// ErrSessionGone 会话已过期或处于终态，客户端需要重新发起。
	ErrSessionGone = errors.New("session expired or finished")
	// ErrInvalidState 当前状态不允许该操作。
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrIndexOutOfRange 分片索引超出 totalChunks。
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	// ErrSizeMismatch 分片字节数与该索引的期望大小不一致。
	ErrSizeMismatch = errors.New("chunk size mismatch")
	// ErrCorruptionDetected 重复提交的分片与已存分片哈希不一致，
	// 说明客户端重传逻辑有缺陷。原分片保持不变。
	ErrCorruptionDetected = errors.New("chunk hash mismatch on duplicate submission")
	// ErrDuplicateArtifact 目录中已存在相同哈希的产物。
	ErrDuplicateArtifact = errors.New("artifact with this hash already exists")
)
