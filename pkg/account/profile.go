package account

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

var (
	logger *logrus.Entry
)

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Account")
}

// Profile identifies this client on the signaling transport. InstanceID
// distinguishes two devices logged in as the same user.
type Profile struct {
	UserID      string
	DisplayName string
	InstanceID  string
}

func NewProfile(userID string, displayName string) *Profile {
	p := &Profile{
		UserID:      userID,
		DisplayName: displayName,
	}
	uid, err := uuid.NewUUID()
	if err != nil {
		logger.Errorf("could not create UUID: %v", err)
	}
	p.InstanceID = fmt.Sprintf("<%s>", uid.URN())
	return p
}

// FromToken derives a Profile from the transport auth token. The server
// verifies the signature; the client only reads its own identity out of the
// claims, so the token is parsed unverified here.
func FromToken(token string, displayName string) (*Profile, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("account: parse token: %v", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("account: token has no subject claim")
	}
	return NewProfile(sub, displayName), nil
}
