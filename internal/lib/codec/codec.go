// Package codec реализует подпись и проверку непрозрачных токенов аутентификации.
//
// Формат токена: base64url(payload) "." base64url(HMAC-SHA256(secret, base64url(payload))).
// Полезная нагрузка читается без секрета; секрет нужен только для проверки подлинности.
// Кодек ничего не знает о сроках действия: свежесть интерпретирует вызывающий код
// по собственным полям внутри payload.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken возвращается для любого токена, не прошедшего проверку.
var ErrInvalidToken = errors.New("invalid token")

// strictEncoding отвергает ненулевые хвостовые биты, поэтому у каждого
// набора байт ровно одно допустимое представление.
var strictEncoding = base64.RawURLEncoding.Strict()

// devFallbackKey используется при пустом секрете, чтобы результат оставался
// детерминированным в dev-окружении. В prod приложение с пустым секретом не стартует.
const devFallbackKey = "research-gate-insecure-development-key"

// Codec подписывает и проверяет токены общим симметричным секретом.
type Codec struct {
	key      []byte
	insecure bool
	method   *jwt.SigningMethodHMAC
}

// New создаёт кодек. Секрет передаётся явно и не читается из окружения.
func New(secret string) *Codec {
	c := &Codec{
		key:    []byte(secret),
		method: jwt.SigningMethodHS256,
	}
	if secret == "" {
		c.key = []byte(devFallbackKey)
		c.insecure = true
	}
	return c
}

// Insecure сообщает, что кодек работает на ключе разработки.
func (c *Codec) Insecure() bool {
	return c.insecure
}

// Sign возвращает токен, содержащий payload и его MAC.
func (c *Codec) Sign(payload []byte) (string, error) {
	const op = "codec.Sign"

	body := base64.RawURLEncoding.EncodeToString(payload)
	sig, err := c.method.Sign(body, c.key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return body + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify пересчитывает MAC и возвращает payload только при точном совпадении.
func (c *Codec) Verify(token string) ([]byte, error) {
	const op = "codec.Verify"

	body, encSig, ok := strings.Cut(token, ".")
	if !ok || body == "" || encSig == "" || strings.Contains(encSig, ".") {
		return nil, fmt.Errorf("%s: %w: malformed structure", op, ErrInvalidToken)
	}
	sig, err := strictEncoding.DecodeString(encSig)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: bad signature encoding", op, ErrInvalidToken)
	}
	if err := c.method.Verify(body, sig, c.key); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidToken, err)
	}
	payload, err := strictEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: bad payload encoding", op, ErrInvalidToken)
	}
	return payload, nil
}
