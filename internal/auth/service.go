package auth

import (
	"crypto/subtle"

	"github.com/rs/zerolog"

	"trade-lifecycle-engine/config"
)

// Service authenticates the configured operator
type Service struct {
	jwt          *JWTManager
	operator     string
	passwordHash string
	logger       zerolog.Logger
}

// NewService creates the operator auth service
func NewService(cfg config.AuthConfig, logger zerolog.Logger) *Service {
	return &Service{
		jwt:          NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration),
		operator:     cfg.OperatorUser,
		passwordHash: cfg.OperatorPassword,
		logger:       logger.With().Str("component", "Auth").Logger(),
	}
}

// JWT returns the token manager used by the middleware
func (s *Service) JWT() *JWTManager {
	return s.jwt
}

// Login exchanges operator credentials for an access token
func (s *Service) Login(req LoginRequest) (*TokenResponse, error) {
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.operator)) == 1
	passOK := s.passwordHash != "" && VerifyPassword(req.Password, s.passwordHash)
	if !userOK || !passOK {
		s.logger.Warn().Str("username", req.Username).Msg("Failed operator login")
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateAccessToken(OperatorClaims{Username: s.operator, Role: RoleOperator})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("username", s.operator).Msg("Operator logged in")
	return &TokenResponse{
		AccessToken: token,
		ExpiresIn:   s.jwt.GetAccessTokenDuration(),
		TokenType:   "Bearer",
	}, nil
}
