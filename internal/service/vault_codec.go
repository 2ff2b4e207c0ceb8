package service

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/model"
)

const vaultVersion = 1

var vaultEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func encodeVault(v *model.Vault) ([]byte, error) {
	b, err := vaultEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault: %w", err)
	}
	return b, nil
}

// decodeVault decodes a stored vault. Records written by older releases are
// JSON with loosely named identity fields; they are normalized and reported
// as migrated so the caller can rewrite them.
func decodeVault(raw []byte) (*model.Vault, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		v, err := decodeLegacyVault(trimmed)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}

	var v model.Vault
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode vault: %w", err)
	}
	if err := checkVault(&v); err != nil {
		return nil, false, err
	}
	return &v, false, nil
}

func checkVault(v *model.Vault) error {
	if len(v.Salt) == 0 || len(v.EncryptedSeed) == 0 {
		return fmt.Errorf("vault record has no sealed seed")
	}
	if v.Settings.ActiveIndex < -1 || int(v.Settings.ActiveIndex) >= len(v.Identities) {
		v.Settings.ActiveIndex = -1
	}
	return nil
}

// vaultAAD binds the ciphertext to the record version and salt.
func vaultAAD(version int, salt []byte) []byte {
	aad := make([]byte, 0, 8+len(salt))
	aad = binary.BigEndian.AppendUint64(aad, uint64(version))
	return append(aad, salt...)
}

type legacyVault struct {
	Version       int              `json:"version"`
	KDF           model.KDFParams  `json:"kdf"`
	Salt          []byte           `json:"salt"`
	EncryptedSeed []byte           `json:"encryptedSeed"`
	Identities    []legacyIdentity `json:"identities"`
	Settings      *legacySettings  `json:"settings"`
	CreatedAt     *time.Time       `json:"createdAt"`
}

type legacySettings struct {
	NextIndex   uint32 `json:"nextIndex"`
	ActiveIndex *int32 `json:"activeIndex"`
}

type legacyIdentity struct {
	DID             string               `json:"did"`
	IdentityDID     string               `json:"identityDid"`
	Index           *uint32              `json:"index"`
	DerivationIndex *uint32              `json:"derivationIndex"`
	DerivationPath  string               `json:"derivationPath"`
	Name            string               `json:"name"`
	DisplayName     string               `json:"displayName"`
	Picture         *string              `json:"picture"`
	PictureRef      *string              `json:"pictureRef"`
	CloudInstance   *model.CloudInstance `json:"cloudInstance"`
}

func decodeLegacyVault(raw []byte) (*model.Vault, error) {
	var lv legacyVault
	if err := json.Unmarshal(raw, &lv); err != nil {
		return nil, fmt.Errorf("failed to decode legacy vault: %w", err)
	}

	v := &model.Vault{
		Version:       lv.Version,
		KDF:           lv.KDF,
		Salt:          lv.Salt,
		EncryptedSeed: lv.EncryptedSeed,
		Settings:      model.VaultSettings{ActiveIndex: -1},
	}
	if v.Version == 0 {
		v.Version = vaultVersion
	}
	if lv.CreatedAt != nil {
		v.CreatedAt = *lv.CreatedAt
	}

	var highest int64 = -1
	for i, li := range lv.Identities {
		rec, err := li.normalize()
		if err != nil {
			return nil, fmt.Errorf("legacy identity %d: %w", i, err)
		}
		if int64(rec.DerivationIndex) > highest {
			highest = int64(rec.DerivationIndex)
		}
		v.Identities = append(v.Identities, rec)
	}

	if lv.Settings != nil {
		v.Settings.NextIndex = lv.Settings.NextIndex
		if lv.Settings.ActiveIndex != nil {
			v.Settings.ActiveIndex = *lv.Settings.ActiveIndex
		}
	}
	if int64(v.Settings.NextIndex) <= highest {
		v.Settings.NextIndex = uint32(highest + 1)
	}

	if err := checkVault(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (li legacyIdentity) normalize() (model.IdentityRecord, error) {
	rec := model.IdentityRecord{
		DID:            firstNonEmpty(li.DID, li.IdentityDID),
		DerivationPath: li.DerivationPath,
		DisplayName:    firstNonEmpty(li.DisplayName, li.Name),
		PictureRef:     li.PictureRef,
		CloudInstance:  li.CloudInstance,
	}
	if rec.DID == "" {
		return model.IdentityRecord{}, fmt.Errorf("missing did")
	}

	switch {
	case li.DerivationIndex != nil:
		rec.DerivationIndex = *li.DerivationIndex
	case li.Index != nil:
		rec.DerivationIndex = *li.Index
	default:
		return model.IdentityRecord{}, fmt.Errorf("missing derivation index for %s", rec.DID)
	}
	if rec.DerivationPath == "" {
		rec.DerivationPath = keys.DerivationPath(rec.DerivationIndex)
	}
	if rec.PictureRef == nil {
		rec.PictureRef = li.Picture
	}
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
