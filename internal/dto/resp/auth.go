package resp

// OperatorProfile identifies who is acting on tasks and dead letters. Its
// username is what resolved_by records.
type OperatorProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type TokenResp struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"` // seconds
	Operator     OperatorProfile `json:"operator"`
}
