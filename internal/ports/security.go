package ports

import "time"

// ServiceClaims identifies an internal caller.
type ServiceClaims struct {
	Subject   string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
}

type TokenVerifier interface {
	Verify(token string) (ServiceClaims, error)
}
