// Package miniapp authenticates Telegram Mini App traffic. The web app
// hands every request an initData blob signed by the platform with a key
// derived from the bot token; verifying it proves the request comes from
// a real Telegram session for a specific user.
package miniapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/starpay/pkg/crypto"
)

var (
	// ErrMalformed is returned when initData is not a parseable query string.
	ErrMalformed = errors.New("miniapp: malformed init data")
	// ErrHashMissing is returned when the blob carries no hash parameter.
	ErrHashMissing = errors.New("miniapp: init data carries no hash")
	// ErrSignatureInvalid is returned when the hash does not match the data.
	ErrSignatureInvalid = errors.New("miniapp: init data signature mismatch")
	// ErrAuthDateMissing is returned when auth_date is absent or unreadable.
	ErrAuthDateMissing = errors.New("miniapp: init data carries no auth_date")
	// ErrUserMissing is returned when the user parameter is absent or has no id.
	ErrUserMissing = errors.New("miniapp: init data carries no user id")
)

// Identity is what a verified initData blob asserts about the caller.
// ChatType is empty when the platform did not include one.
type Identity struct {
	UserID   int64
	AuthDate time.Time
	ChatType string
}

// Verify checks that initData was produced by Telegram for botToken and
// has not been modified, then extracts the caller identity. The signature
// covers every parameter except hash, as key=value lines in ascending key
// order with values sorted within repeated keys.
func Verify(initData, botToken string) (Identity, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	hashes := values["hash"]
	if len(hashes) == 0 || hashes[0] == "" {
		return Identity{}, ErrHashMissing
	}
	provided := strings.ToLower(hashes[0])
	delete(values, "hash")

	secret := crypto.HmacSHA256([]byte("WebAppData"), []byte(botToken))
	calculated := crypto.HmacSHA256Hex(secret, []byte(dataCheckString(values)))
	if !crypto.EqualConstantTime(calculated, provided) {
		return Identity{}, ErrSignatureInvalid
	}

	authDate, err := parseAuthDate(values.Get("auth_date"))
	if err != nil {
		return Identity{}, err
	}
	userID, err := parseUserID(values.Get("user"))
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		UserID:   userID,
		AuthDate: authDate,
		ChatType: values.Get("chat_type"),
	}, nil
}

func dataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(values))
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			lines = append(lines, k+"="+v)
		}
	}
	return strings.Join(lines, "\n")
}

func parseAuthDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, ErrAuthDateMissing
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, fmt.Errorf("%w: bad auth_date %q", ErrAuthDateMissing, raw)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func parseUserID(raw string) (int64, error) {
	if raw == "" {
		return 0, ErrUserMissing
	}
	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUserMissing, err)
	}
	if user.ID <= 0 {
		return 0, ErrUserMissing
	}
	return user.ID, nil
}
