package model

import "time"

// VaultSettings holds the derivation cursor and the selected identity.
// ActiveIndex is -1 or a valid index into Vault.Identities.
type VaultSettings struct {
	NextIndex   uint32 `cbor:"nextIndex" json:"nextIndex"`
	ActiveIndex int32  `cbor:"activeIndex" json:"activeIndex"`
}

// KDFParams are the argon2id parameters used to derive the vault key.
type KDFParams struct {
	Time   uint32 `cbor:"time" json:"time"`
	MemKiB uint32 `cbor:"memKiB" json:"memKiB"`
	Par    uint8  `cbor:"par" json:"par"`
}

// Vault is the durable, encrypted container of one installation.
type Vault struct {
	Version       int              `cbor:"version"`
	KDF           KDFParams        `cbor:"kdf"`
	Salt          []byte           `cbor:"salt"`
	EncryptedSeed []byte           `cbor:"encryptedSeed"`
	Identities    []IdentityRecord `cbor:"identities"`
	Settings      VaultSettings    `cbor:"settings"`
	CreatedAt     time.Time        `cbor:"createdAt"`
}

// Active returns the active identity, if any.
func (v *Vault) Active() (IdentityRecord, bool) {
	if v.Settings.ActiveIndex < 0 || int(v.Settings.ActiveIndex) >= len(v.Identities) {
		return IdentityRecord{}, false
	}
	return v.Identities[v.Settings.ActiveIndex], true
}

// Find returns the position of the identity with did or -1.
func (v *Vault) Find(did string) int {
	for i := range v.Identities {
		if v.Identities[i].DID == did {
			return i
		}
	}
	return -1
}

// IdentityRecord is one derived identity stored in the vault.
type IdentityRecord struct {
	DID             string         `cbor:"did" json:"did"`
	DerivationIndex uint32         `cbor:"derivationIndex" json:"derivationIndex"`
	DerivationPath  string         `cbor:"derivationPath" json:"derivationPath"`
	DisplayName     string         `cbor:"displayName" json:"displayName"`
	PictureRef      *string        `cbor:"pictureRef,omitempty" json:"pictureRef,omitempty"`
	CloudInstance   *CloudInstance `cbor:"cloudInstance,omitempty" json:"cloudInstance,omitempty"`
}

// CloudInstance describes the cloud-hosted instance bound to an identity.
type CloudInstance struct {
	URL         string `cbor:"url" json:"url"`
	ID          string `cbor:"id" json:"id"`
	Status      string `cbor:"status" json:"status"`
	IsAdmin     bool   `cbor:"isAdmin" json:"isAdmin"`
	ErrorDetail string `cbor:"errorDetail,omitempty" json:"errorDetail,omitempty"`
}

// Profile is the user-editable part of an identity.
type Profile struct {
	DisplayName string  `json:"displayName"`
	PictureRef  *string `json:"pictureRef,omitempty"`
}
