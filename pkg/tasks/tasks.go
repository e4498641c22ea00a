// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// AssemblyTask represents one session that is ready to be assembled and validated.
type AssemblyTask struct {
	SessionID string `json:"session_id"`
	FileName  string `json:"file_name"`
}
