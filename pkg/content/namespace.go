package content

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// ComputeMetadataSha256 returns the SHA-256 of the canonical JSON (RFC 8785)
// of every descriptive field of nm.
func ComputeMetadataSha256(nm *NamespaceMetadata) (string, error) {
	links := map[string]string{}
	for k, v := range nm.Links {
		links[k] = v
	}
	doc := map[string]any{
		"name":          nm.Name,
		"company":       nm.Company,
		"email":         nm.Email,
		"description":   nm.Description,
		"resources":     nm.Resources,
		"links":         links,
		"avatar_sha256": nm.AvatarSha256,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal namespace metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize namespace metadata: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// BuildSearchVector returns the normalized token string matched by
// keyword search: namespace, name, tags and description words.
func BuildSearchVector(cv *CollectionVersion, tags []string) string {
	seen := map[string]struct{}{}
	add := func(s string) {
		for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-')
		}) {
			seen[tok] = struct{}{}
		}
	}
	add(cv.Namespace)
	add(cv.Name)
	for _, t := range tags {
		add(t)
	}
	add(cv.Description)

	tokens := make([]string, 0, len(seen))
	for t := range seen {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return " " + strings.Join(tokens, " ") + " "
}
