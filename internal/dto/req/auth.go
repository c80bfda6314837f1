package req

// LoginReq authenticates the single configured operator account.
type LoginReq struct {
	Username string `json:"username" binding:"required,max=64"`
	Password string `json:"password" binding:"required,max=256"`
}

type RefreshReq struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}
