// Package tarballtest builds collection tarballs for tests.
package tarballtest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"testing"
	"time"
)

// Collection describes the tarball to build. Zero values get defaults.
type Collection struct {
	Namespace    string
	Name         string
	Version      string
	Authors      []string
	Description  string
	Tags         []string
	Dependencies map[string]string
	// RuntimeYAML is written to meta/runtime.yml when non-empty.
	RuntimeYAML string
	// Files are extra members, path to contents.
	Files map[string]string
	// DotSlash prefixes every member with "./".
	DotSlash bool
	// OmitManifest leaves MANIFEST.json out.
	OmitManifest bool
	// ManifestOverride replaces the generated MANIFEST.json bytes.
	ManifestOverride []byte
}

// Build returns the gzipped tarball bytes for c.
func Build(t testing.TB, c Collection) []byte {
	t.Helper()
	if c.Namespace == "" {
		c.Namespace = "testing"
	}
	if c.Name == "" {
		c.Name = "k8s_demo_collection"
	}
	if c.Version == "" {
		c.Version = "0.0.3"
	}
	if c.Authors == nil {
		c.Authors = []string{"Ansible Test"}
	}
	if c.Dependencies == nil {
		c.Dependencies = map[string]string{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}

	members := map[string][]byte{
		"README.md":            []byte("# " + c.Namespace + "." + c.Name + "\n"),
		"plugins/README.md":    []byte("plugins\n"),
		"roles/demo/tasks.yml": []byte("- debug: msg=hello\n"),
	}
	for p, body := range c.Files {
		members[p] = []byte(body)
	}
	if c.RuntimeYAML != "" {
		members["meta/runtime.yml"] = []byte(c.RuntimeYAML)
	}

	paths := make([]string, 0, len(members))
	for p := range members {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	type fileEntry struct {
		Name         string  `json:"name"`
		Ftype        string  `json:"ftype"`
		ChksumType   *string `json:"chksum_type"`
		ChksumSha256 *string `json:"chksum_sha256"`
		Format       int     `json:"format"`
	}
	sha := "sha256"
	entries := []fileEntry{{Name: ".", Ftype: "dir", Format: 1}}
	for _, p := range paths {
		sum := sha256.Sum256(members[p])
		digest := hex.EncodeToString(sum[:])
		entries = append(entries, fileEntry{Name: p, Ftype: "file", ChksumType: &sha, ChksumSha256: &digest, Format: 1})
	}
	filesJSON, err := json.Marshal(map[string]any{"files": entries, "format": 1})
	if err != nil {
		t.Fatalf("marshal FILES.json: %v", err)
	}
	members["FILES.json"] = filesJSON

	filesSum := sha256.Sum256(filesJSON)
	manifest := c.ManifestOverride
	if manifest == nil {
		manifest, err = json.Marshal(map[string]any{
			"collection_info": map[string]any{
				"namespace":     c.Namespace,
				"name":          c.Name,
				"version":       c.Version,
				"authors":       c.Authors,
				"readme":        "README.md",
				"tags":          c.Tags,
				"description":   c.Description,
				"license":       []string{"GPL-3.0-or-later"},
				"license_file":  nil,
				"dependencies":  c.Dependencies,
				"repository":    "https://github.com/" + c.Namespace + "/" + c.Name,
				"documentation": nil,
				"homepage":      nil,
				"issues":        nil,
			},
			"file_manifest_file": map[string]any{
				"name":          "FILES.json",
				"ftype":         "file",
				"chksum_type":   "sha256",
				"chksum_sha256": hex.EncodeToString(filesSum[:]),
				"format":        1,
			},
			"format": 1,
		})
		if err != nil {
			t.Fatalf("marshal MANIFEST.json: %v", err)
		}
	}
	if !c.OmitManifest {
		members["MANIFEST.json"] = manifest
	}

	order := make([]string, 0, len(members))
	for p := range members {
		order = append(order, p)
	}
	sort.Strings(order)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	prefix := ""
	if c.DotSlash {
		prefix = "./"
	}
	mtime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range order {
		body := members[p]
		hdr := &tar.Header{
			Name:     prefix + p,
			Mode:     0644,
			Size:     int64(len(body)),
			ModTime:  mtime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatalf("write tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// Sha256 returns the hex digest of b.
func Sha256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
