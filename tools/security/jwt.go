package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"HaksaPresence/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Issuer string
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity is who a verified token speaks for.
type Identity struct {
	UserID   string
	UserName string
	ExpireAt time.Time
}

type presenceClaims struct {
	Name string `json:"name,omitempty"`
	jwtlib.RegisteredClaims
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate signs a token for userID; the display name travels in "name".
func Generate(opts Options, userID, userName string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errs.ErrUnauthorized.WrapMsg("empty subject")
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := presenceClaims{
		Name: userName,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errs.Wrap(err)
	}
	return signed, exp, nil
}

// Verify checks signature and time claims. Every failure is ErrUnauthorized.
func Verify(opts Options, token string) (Identity, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return Identity{}, err
	}
	var claims presenceClaims
	parserOpts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{method.Alg()}), jwtlib.WithExpirationRequired()}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(*jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return Identity{}, errs.ErrUnauthorized.WrapMsg(err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errs.ErrUnauthorized.WrapMsg("invalid token")
	}
	id := Identity{UserID: claims.Subject, UserName: claims.Name}
	if claims.ExpiresAt != nil {
		id.ExpireAt = claims.ExpiresAt.Time
	}
	if id.UserName == "" {
		id.UserName = id.UserID
	}
	return id, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
