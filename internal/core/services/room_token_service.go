package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"peerlink/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongRoom    = errors.New("token issued for another room")
)

// RoomTokenService issues and checks the bearer tokens that admit a peer
// to one room on the relay.
type RoomTokenService interface {
	Issue(room domain.RoomID) (token string, expiresAt time.Time, err error)
	Validate(token string, room domain.RoomID) (*RoomClaims, error)
}

type RoomClaims struct {
	Room domain.RoomID `json:"room"`
	jwt.RegisteredClaims
}

type roomTokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewRoomTokenService(secret string, ttl time.Duration) RoomTokenService {
	return &roomTokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *roomTokenService) Issue(room domain.RoomID) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &RoomClaims{
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(room),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *roomTokenService) Validate(tokenString string, room domain.RoomID) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Room != room {
		return nil, ErrWrongRoom
	}
	return claims, nil
}
