package req

type ListTasksReq struct {
	ProjectID int64  `form:"project_id"`
	MrIID     *int64 `form:"mr_iid"`
	Type      string `form:"type"`
	Status    string `form:"status"`
	Offset    int    `form:"offset" binding:"min=0"`
	Limit     int    `form:"limit" binding:"min=0,max=500"`
}

type CreateTaskReq struct {
	Type           string  `json:"type" binding:"required"`
	Priority       string  `json:"priority"`
	ProjectID      int64   `json:"project_id" binding:"required"`
	MrIID          *int64  `json:"mr_iid"`
	IssueIID       *int64  `json:"issue_iid"`
	ConversationID *string `json:"conversation_id"`
	AuthorID       int64   `json:"author_id"`
}

type ClaimReq struct {
	Mode string `form:"mode"`
	// Wait is a Go duration string such as "10s". Capped server side.
	Wait string `form:"wait"`
}
