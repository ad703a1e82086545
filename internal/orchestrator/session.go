package orchestrator

import (
	"github.com/jangji/backend/internal/auth"
)

// StaticSession is a SessionProvider for a fixed bearer token
type StaticSession struct {
	session Session
}

// NewStaticSession derives the owner from the token's subject.
// An empty token is a signed-out session.
func NewStaticSession(token string) (*StaticSession, error) {
	if token == "" {
		return &StaticSession{}, nil
	}

	ownerID, err := auth.PeekOwner(token)
	if err != nil {
		return nil, err
	}

	return &StaticSession{session: Session{OwnerID: ownerID, Token: token}}, nil
}

func (s *StaticSession) Current() (Session, bool) {
	return s.session, s.session.OwnerID != ""
}

// Changes returns nil, a static session never changes
func (s *StaticSession) Changes() <-chan Session {
	return nil
}
