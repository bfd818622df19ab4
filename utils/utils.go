package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// GenerateRateLimitKey creates a unique key for rate limiting
func GenerateRateLimitKey(userID uint, path string) string {
	return fmt.Sprintf("rl:%d:%s", userID, path)
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts a project name into a URL-safe slug
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugPattern.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}
