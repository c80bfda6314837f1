package model

import (
	"fmt"
	"time"
)

// DispatchLock is a row that exists only to be locked. Every dispatch touching a
// conflict key locks its row first, which serializes supersession even when no
// task row exists yet to lock.
type DispatchLock struct {
	ConflictKey string    `gorm:"primaryKey;size:128"`
	CreatedAt   time.Time `json:"created_at"`
}

func (DispatchLock) TableName() string { return "dispatch_locks" }

// ConflictKey identifies "the same unit of work" for supersession. ok is false for
// tasks that never supersede each other.
func (t *Task) ConflictKey() (key string, ok bool) {
	if t.Origin != OriginWebhook || t.MrIID == nil {
		return "", false
	}
	return FormatConflictKey(t.ProjectID, *t.MrIID, t.Type), true
}

func FormatConflictKey(projectID, mrIID int64, taskType TaskType) string {
	return fmt.Sprintf("%d:%d:%s", projectID, mrIID, taskType)
}
