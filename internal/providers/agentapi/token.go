package agentapi

import "context"

// StaticTokenSource serves a fixed bearer token from configuration. An empty
// token sends the request unauthenticated and lets the gateway answer 401.
type StaticTokenSource struct {
	token string
}

func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}
