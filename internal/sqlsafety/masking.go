package sqlsafety

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chatsql/chatsql/internal/query"
)

const (
	FullMaskPlaceholder = "******"
	hashLength          = 12
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^[0-9]{7,20}$`)
)

// Mask returns a copy of result with the flagged columns transformed. Column
// names in columns are matched case-insensitively; result is never modified.
func Mask(result query.Result, columns map[string]MaskType, salt string) query.Result {
	out := result.Clone()
	if len(columns) == 0 {
		return out
	}
	targets := make(map[string]MaskType, len(out.Columns))
	for _, column := range out.Columns {
		if mask, ok := columns[strings.ToLower(column)]; ok {
			targets[column] = mask
		}
	}
	if len(targets) == 0 {
		return out
	}
	for _, row := range out.Rows {
		for column, mask := range targets {
			value, ok := row[column]
			if !ok || value == nil {
				continue
			}
			row[column] = MaskValue(stringify(value), mask, salt)
		}
	}
	return out
}

// MaskValue applies a single mask. Unknown mask types fall back to full.
func MaskValue(value string, mask MaskType, salt string) string {
	switch mask {
	case MaskHash:
		mac := hmac.New(sha256.New, []byte(salt))
		mac.Write([]byte(value))
		return hex.EncodeToString(mac.Sum(nil))[:hashLength]
	case MaskPartial:
		return maskPartial(value)
	default:
		return FullMaskPlaceholder
	}
}

func maskPartial(value string) string {
	if emailPattern.MatchString(value) {
		at := strings.LastIndex(value, "@")
		first, _ := utf8.DecodeRuneInString(value)
		return string(first) + "***" + value[at:]
	}
	if phonePattern.MatchString(value) {
		return value[:3] + "****" + value[len(value)-2:]
	}
	runes := []rune(value)
	if len(runes) <= 2 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-2) + string(runes[len(runes)-1])
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(typed)
	}
}
