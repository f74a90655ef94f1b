package auth

import (
	"errors"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const confirmationAudience = "ticket-confirmation"

// ConfirmationTokens issues short-lived tokens that approve one destructive
// action by one actor against one target on one ticket.
type ConfirmationTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type confirmationClaims struct {
	TicketID string `json:"tid"`
	ActorID  int64  `json:"act"`
	TargetID int64  `json:"tgt"`
	Action   string `json:"action"`
	jwt.RegisteredClaims
}

// NewConfirmationTokens builds an issuer. A non-positive ttl defaults to five minutes.
func NewConfirmationTokens(secret string, ttl time.Duration) *ConfirmationTokens {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ConfirmationTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token binding action to (ticketID, actorID, targetID).
func (c *ConfirmationTokens) Issue(action, ticketID string, actorID, targetID int64) (string, error) {
	now := c.now()
	claims := &confirmationClaims{
		TicketID: ticketID,
		ActorID:  actorID,
		TargetID: targetID,
		Action:   action,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(actorID, 10),
			Audience:  jwt.ClaimStrings{confirmationAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify checks that token approves exactly this action.
func (c *ConfirmationTokens) Verify(token, action, ticketID string, actorID, targetID int64) error {
	parsed, err := jwt.ParseWithClaims(token, &confirmationClaims{}, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(confirmationAudience),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return err
	}
	claims, ok := parsed.Claims.(*confirmationClaims)
	if !ok || !parsed.Valid {
		return errors.New("invalid confirmation claims")
	}
	if claims.Action != action || claims.TicketID != ticketID || claims.ActorID != actorID || claims.TargetID != targetID {
		return errors.New("confirmation token does not match request")
	}
	return nil
}
