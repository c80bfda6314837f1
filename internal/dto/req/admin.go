package req

type ReplayReq struct {
	IDs    []int64 `json:"ids"`
	Failed bool    `json:"failed"`
}

type ListDeadLettersReq struct {
	Reason          string `form:"reason"`
	IncludeResolved bool   `form:"include_resolved"`
	Offset          int    `form:"offset" binding:"min=0"`
	Limit           int    `form:"limit" binding:"min=0,max=500"`
}
