// Package dispatchauth signs and verifies the short-lived bearer tokens
// attached to orchestrator-to-node dispatch requests and node heartbeat
// pushes, and hashes the shared secret a node presents when it first joins
// the fleet. HS256 claims signed with a single shared key, bcrypt for the
// one-time secret.
package dispatchauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DispatchClaims identifies which orchestrator replica issued a dispatch
// token and which job it authorizes, so a node can log the caller and
// reject tokens for jobs it has already tombstoned.
type DispatchClaims struct {
	jwt.RegisteredClaims
	OrchestratorID string `json:"orchestrator_id"`
	JobID          string `json:"job_id,omitempty"`
}

type Signer struct {
	key []byte
	ttl time.Duration
}

func NewSigner(signingKey string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Signer{key: []byte(signingKey), ttl: ttl}
}

// Issue mints a bearer token scoped to one orchestrator replica and,
// optionally, one job id.
func (s *Signer) Issue(orchestratorID, jobID string) (string, error) {
	now := time.Now()
	claims := DispatchClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   orchestratorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		OrchestratorID: orchestratorID,
		JobID:          jobID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// Verify parses and validates a bearer token, returning its claims.
func (s *Signer) Verify(tokenString string) (*DispatchClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &DispatchClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dispatchauth: parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*DispatchClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("dispatchauth: invalid or expired token")
	}
	return claims, nil
}

// HashJoinSecret bcrypt-hashes a node-join shared secret for storage in
// config/Postgres.
func HashJoinSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("dispatchauth: hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifyJoinSecret checks a presented secret against the stored hash.
func VerifyJoinSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
