// Package webhooksig проверяет подпись входящих биллинговых вебхуков.
//
// Заголовок подписи — пары key=value через запятую: t=<unix>,v1=<hex>[,v1=<hex>...].
// Подпись считается как hex(HMAC-SHA256(secret, "{t}.{body}")).
// Пакет не хранит состояния и не защищает от повторной доставки внутри окна
// допуска: от повторов защищает идемпотентность переходов entitlement.
package webhooksig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance — допустимое расхождение между временем подписи и текущим временем.
const DefaultTolerance = 300 * time.Second

// HeaderName — заголовок, в котором провайдер передаёт подпись.
const HeaderName = "Stripe-Signature"

var (
	ErrMissingTimestamp = errors.New("signature header has no timestamp")
	ErrMissingSignature = errors.New("signature header has no v1 signature")
)

// Header — разобранный заголовок подписи.
type Header struct {
	Timestamp  int64
	Signatures [][]byte
}

// Parse разбирает заголовок подписи, пропуская неизвестные ключи.
func Parse(header string) (Header, error) {
	const op = "webhooksig.Parse"

	var h Header
	var hasTimestamp bool
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Header{}, fmt.Errorf("%s: bad timestamp: %w", op, err)
			}
			h.Timestamp = ts
			hasTimestamp = true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				// Битая подпись не может совпасть ни с чем, остальные v1 ещё могут.
				continue
			}
			h.Signatures = append(h.Signatures, sig)
		}
	}
	if !hasTimestamp {
		return Header{}, fmt.Errorf("%s: %w", op, ErrMissingTimestamp)
	}
	if len(h.Signatures) == 0 {
		return Header{}, fmt.Errorf("%s: %w", op, ErrMissingSignature)
	}
	return h, nil
}

// Verify проверяет тело вебхука по заголовку подписи. Любая ошибка разбора,
// выход времени подписи за tolerance или несовпадение подписи дают false.
// Пустой секрет всегда даёт false.
func Verify(body []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	if secret == "" {
		return false
	}
	h, err := Parse(header)
	if err != nil {
		return false
	}

	signedAt := time.Unix(h.Timestamp, 0)
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return false
	}

	expected := computeMAC(body, secret, h.Timestamp)
	for _, sig := range h.Signatures {
		if hmac.Equal(expected, sig) {
			return true
		}
	}
	return false
}

// Sign возвращает значение заголовка подписи для тела, подписанного в момент at.
func Sign(body []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(computeMAC(body, secret, ts))
}

func computeMAC(body []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
