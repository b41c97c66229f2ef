package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"golang.org/x/sync/semaphore"
)

// Signer produces an ASCII-armored detached signature over a file.
type Signer interface {
	Sign(ctx context.Context, path string) ([]byte, error)
	Fingerprint() string
}

// Fingerprint formats an OpenPGP key fingerprint the way gpg prints it.
func Fingerprint(fp []byte) string {
	return strings.ToUpper(hex.EncodeToString(fp))
}

// ScriptSigner runs Script with the file path as its only argument. The
// script prints {"file": ..., "signature": ...} where signature is the
// path of the armored detached signature it wrote.
type ScriptSigner struct {
	Script            string
	PubkeyFingerprint string
}

type scriptOutput struct {
	File      string `json:"file"`
	Signature string `json:"signature"`
}

func (s *ScriptSigner) Fingerprint() string { return s.PubkeyFingerprint }

func (s *ScriptSigner) Sign(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.Script, path)
	cmd.Env = append(os.Environ(), "PULP_SIGNING_KEY_FINGERPRINT="+s.PubkeyFingerprint)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("signing script %s: %w: %s", s.Script, err, strings.TrimSpace(stderr.String()))
	}
	var res scriptOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("signing script %s printed invalid output: %w", s.Script, err)
	}
	if res.Signature == "" {
		return nil, fmt.Errorf("signing script %s reported no signature file", s.Script)
	}
	sig, err := os.ReadFile(res.Signature)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	return sig, nil
}

// KeySigner signs in process with an OpenPGP private key.
type KeySigner struct {
	entity *openpgp.Entity
}

// NewKeySigner parses an armored private key, decrypting it with
// passphrase when it is protected.
func NewKeySigner(armoredKey, passphrase string) (*KeySigner, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if len(ring) == 0 || ring[0].PrivateKey == nil {
		return nil, errors.New("no private key found")
	}
	e := ring[0]
	if e.PrivateKey.Encrypted {
		if err := e.DecryptPrivateKeys([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}
	}
	return &KeySigner{entity: e}, nil
}

// NewEntitySigner wraps an already decrypted entity.
func NewEntitySigner(e *openpgp.Entity) *KeySigner {
	return &KeySigner{entity: e}
}

func (k *KeySigner) Fingerprint() string {
	return Fingerprint(k.entity.PrimaryKey.Fingerprint)
}

// PublicKey returns the armored public half of the key.
func (k *KeySigner) PublicKey() (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := k.entity.Serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (k *KeySigner) Sign(_ context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, k.entity, f, nil); err != nil {
		return nil, fmt.Errorf("sign %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// Limiter caps concurrent signing invocations across every sign task in
// the process.
type Limiter struct {
	sem *semaphore.Weighted
}

// DefaultLimit is the default number of concurrent signing invocations.
const DefaultLimit = 10

// NewLimiter returns a Limiter admitting n concurrent invocations.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = DefaultLimit
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Sign runs s under the limiter.
func (l *Limiter) Sign(ctx context.Context, s Signer, path string) ([]byte, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return s.Sign(ctx, path)
}
