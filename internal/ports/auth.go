package ports

type AuthClaims struct {
	UserID string
	Role   string
}

type TokenVerifier interface {
	Verify(token string) (AuthClaims, error)
}
