// Package tarball reads collection tarballs: it extracts MANIFEST.json,
// FILES.json and meta/runtime.yml, parses collection_info and builds the
// canonical checksum manifest used for signing.
package tarball

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingManifest    = errors.New("MANIFEST.json not found in collection tarball")
	ErrInvalidManifest    = errors.New("invalid MANIFEST.json")
	ErrInvalidRuntimeYaml = errors.New("invalid meta/runtime.yml")
	ErrInvalidArchive     = errors.New("invalid collection archive")
)

const (
	manifestMember = "MANIFEST.json"
	filesMember    = "FILES.json"
	runtimeMember  = "meta/runtime.yml"

	// maxMetadataSize bounds the members read into memory.
	maxMetadataSize = 32 << 20
)

// CollectionInfo is MANIFEST.json's collection_info after defaulting.
type CollectionInfo struct {
	Namespace     string            `json:"namespace"`
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Authors       []string          `json:"authors"`
	Description   string            `json:"description"`
	License       []string          `json:"license"`
	Tags          []string          `json:"tags"`
	Dependencies  map[string]string `json:"dependencies"`
	Repository    string            `json:"repository"`
	Documentation string            `json:"documentation"`
	Homepage      string            `json:"homepage"`
	Issues        string            `json:"issues"`
}

// Result is everything the inspector learns from one tarball.
type Result struct {
	Info            CollectionInfo
	Manifest        map[string]any
	Files           map[string]any
	RequiresAnsible *string
	// CanonicalManifest is the signing input; see CanonicalManifest.
	CanonicalManifest []byte
	// Warnings are non-fatal problems (bad runtime.yml, FILES.json drift).
	Warnings []string
}

// Filename is the artifact file name for a collection version.
func Filename(namespace, name, version string) string {
	return fmt.Sprintf("%s-%s-%s.tar.gz", namespace, name, version)
}

// Inspect reads a gzipped collection tarball from r.
func Inspect(r io.Reader) (*Result, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer gz.Close()

	members := map[string][]byte{}
	digests := map[string]string{}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := normalizeName(hdr.Name)
		if err := checkMemberName(name); err != nil {
			return nil, err
		}
		if _, dup := digests[name]; dup {
			return nil, fmt.Errorf("%w: duplicate member %q", ErrInvalidArchive, name)
		}

		h := sha256.New()
		var src io.Reader = tr
		var buf *bytes.Buffer
		if name == manifestMember || name == filesMember || name == runtimeMember {
			buf = &bytes.Buffer{}
			src = io.TeeReader(io.LimitReader(tr, maxMetadataSize+1), buf)
		}
		if _, err := io.Copy(h, src); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidArchive, name, err)
		}
		digests[name] = hex.EncodeToString(h.Sum(nil))
		if buf != nil {
			if buf.Len() > maxMetadataSize {
				return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArchive, name, maxMetadataSize)
			}
			members[name] = buf.Bytes()
		}
	}

	raw, ok := members[manifestMember]
	if !ok {
		return nil, ErrMissingManifest
	}

	res := &Result{}
	manifest, info, err := parseManifest(raw)
	if err != nil {
		return nil, err
	}
	res.Manifest = manifest
	res.Info = *info

	if data, ok := members[filesMember]; ok {
		var files map[string]any
		if err := json.Unmarshal(data, &files); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("FILES.json is not valid JSON: %v", err))
		} else {
			res.Files = files
			res.Warnings = append(res.Warnings, checkFiles(files, digests)...)
		}
	}

	if data, ok := members[runtimeMember]; ok {
		requires, err := parseRuntime(data)
		if err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		} else {
			res.RequiresAnsible = requires
		}
	}

	res.CanonicalManifest = canonicalManifest(digests)
	return res, nil
}

// CanonicalManifest returns only the canonical checksum manifest of the
// tarball in r. It is computed from the member bytes and lists every
// regular file, MANIFEST.json and FILES.json included, so it differs from
// a checksum list rendered from FILES.json alone.
func CanonicalManifest(r io.Reader) ([]byte, error) {
	res, err := Inspect(r)
	if err != nil {
		return nil, err
	}
	return res.CanonicalManifest, nil
}

func normalizeName(name string) string {
	for strings.HasPrefix(name, "./") {
		name = name[2:]
	}
	return name
}

// checkMemberName rejects names that cannot be rendered as exactly one
// manifest line.
func checkMemberName(name string) error {
	if name == "" || strings.ContainsAny(name, "\n\r\\") {
		return fmt.Errorf("%w: unsupported member name %q", ErrInvalidArchive, name)
	}
	return nil
}

// canonicalManifest renders one "sha256  path" line per regular file,
// sorted bytewise by path.
func canonicalManifest(digests map[string]string) []byte {
	paths := make([]string, 0, len(digests))
	for p := range digests {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b bytes.Buffer
	for _, p := range paths {
		b.WriteString(digests[p])
		b.WriteString("  ")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func parseManifest(raw []byte) (map[string]any, *CollectionInfo, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := validateManifest(doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var manifest map[string]any
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	ci, _ := manifest["collection_info"].(map[string]any)

	// license_file and readme are not stored; null means "use default".
	cleaned := make(map[string]any, len(ci))
	for k, v := range ci {
		if k == "license_file" || k == "readme" || v == nil {
			continue
		}
		cleaned[k] = v
	}
	if lic, ok := cleaned["license"].(string); ok {
		cleaned["license"] = []string{lic}
	}

	data, err := json.Marshal(cleaned)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	info := &CollectionInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, nil, fmt.Errorf("%w: collection_info: %v", ErrInvalidManifest, err)
	}
	if _, err := semver.StrictNewVersion(info.Version); err != nil {
		return nil, nil, fmt.Errorf("%w: version %q is not semantic: %v", ErrInvalidManifest, info.Version, err)
	}
	if info.Authors == nil {
		info.Authors = []string{}
	}
	if info.License == nil {
		info.License = []string{}
	}
	if info.Tags == nil {
		info.Tags = []string{}
	}
	if info.Dependencies == nil {
		info.Dependencies = map[string]string{}
	}
	return manifest, info, nil
}

func parseRuntime(data []byte) (*string, error) {
	var rt struct {
		RequiresAnsible *string `yaml:"requires_ansible"`
	}
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuntimeYaml, err)
	}
	return rt.RequiresAnsible, nil
}

// checkFiles compares FILES.json checksums with the member digests.
func checkFiles(files map[string]any, digests map[string]string) []string {
	entries, _ := files["files"].([]any)
	var warnings []string
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok || entry["ftype"] != "file" {
			continue
		}
		name, _ := entry["name"].(string)
		want, _ := entry["chksum_sha256"].(string)
		got, present := digests[normalizeName(name)]
		switch {
		case !present:
			warnings = append(warnings, fmt.Sprintf("FILES.json lists %s but the archive does not contain it", name))
		case want != "" && want != got:
			warnings = append(warnings, fmt.Sprintf("FILES.json checksum mismatch for %s", name))
		}
	}
	return warnings
}
