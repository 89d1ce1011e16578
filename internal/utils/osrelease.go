package utils

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var unsafeISOChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ReadEnv parses a KEY=VALUE file such as os-release.
func ReadEnv(r io.Reader) (map[string]string, error) {
	env, err := godotenv.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing env file: %w", err)
	}
	return env, nil
}

// ISOFileName builds the image name from os-release values:
// lowercased NAME (default "os"), "-VERSION_ID" when set, unsafe characters
// collapsed to "-", and the language code as suffix.
func ISOFileName(osRelease map[string]string, lang string) string {
	name := strings.ToLower(osRelease["NAME"])
	if name == "" {
		name = "os"
	}
	base := name
	if v := osRelease["VERSION_ID"]; v != "" {
		base = fmt.Sprintf("%s-%s", name, v)
	}
	return fmt.Sprintf("%s-%s.iso", unsafeISOChars.ReplaceAllString(base, "-"), lang)
}
