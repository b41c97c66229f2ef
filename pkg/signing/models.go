// Package signing creates detached signatures over collection versions'
// canonical checksum manifests and verifies uploaded ones.
package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ansible/content-repository/pkg/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// TypeScript services run an external program, usually wrapping gpg.
	TypeScript = "script"
	// TypeKey services sign in process with a stored OpenPGP key.
	TypeKey = "openpgp"
)

var (
	// ErrServiceNotFound is returned for an unknown signing service.
	ErrServiceNotFound = errors.New("signing service not found")
	// ErrInvalidService is returned when a service definition is unusable.
	ErrInvalidService = errors.New("invalid signing service")
)

// Service is a configured signing service.
type Service struct {
	ID                string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Name              string    `gorm:"column:name;type:varchar(255);uniqueIndex;not null" json:"name"`
	Type              string    `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Script            string    `gorm:"column:script;type:text" json:"script,omitempty"`
	PrivateKey        string    `gorm:"column:private_key;type:text" json:"-"`
	Passphrase        string    `gorm:"column:passphrase;type:text" json:"-"`
	PublicKey         string    `gorm:"column:public_key;type:text" json:"public_key"`
	PubkeyFingerprint string    `gorm:"column:pubkey_fingerprint;type:varchar(64);not null" json:"pubkey_fingerprint"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime" json:"pulp_created"`
}

func (Service) TableName() string { return "signing_services" }

// AutoMigrate creates or updates the signing tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Service{})
}

// Registry stores signing services and builds signers for them.
type Registry struct {
	db *gorm.DB
}

// NewRegistry returns a Registry over db.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Create validates and saves a service. For key services the public key
// and fingerprint are derived from the private key.
func (r *Registry) Create(ctx context.Context, svc *Service) error {
	switch svc.Type {
	case TypeKey:
		signer, err := NewKeySigner(svc.PrivateKey, svc.Passphrase)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidService, err)
		}
		svc.PubkeyFingerprint = signer.Fingerprint()
		if svc.PublicKey, err = signer.PublicKey(); err != nil {
			return err
		}
	case TypeScript:
		if svc.Script == "" || svc.PubkeyFingerprint == "" {
			return fmt.Errorf("%w: script services need a script and a pubkey_fingerprint", ErrInvalidService)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidService, svc.Type)
	}
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(svc).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: name %q is taken", ErrInvalidService, svc.Name)
		}
		return err
	}
	return nil
}

// Get returns the service with id.
func (r *Registry) Get(ctx context.Context, id string) (*Service, error) {
	var svc Service
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&svc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
		}
		return nil, err
	}
	return &svc, nil
}

// GetByName returns the service called name.
func (r *Registry) GetByName(ctx context.Context, name string) (*Service, error) {
	var svc Service
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&svc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
		}
		return nil, err
	}
	return &svc, nil
}

// List returns every service ordered by name.
func (r *Registry) List(ctx context.Context) ([]Service, error) {
	var out []Service
	err := r.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

// Signer builds the signer for svc.
func (r *Registry) Signer(svc *Service) (Signer, error) {
	switch svc.Type {
	case TypeKey:
		return NewKeySigner(svc.PrivateKey, svc.Passphrase)
	case TypeScript:
		return &ScriptSigner{Script: svc.Script, PubkeyFingerprint: svc.PubkeyFingerprint}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidService, svc.Type)
}
