package core

import (
	"fmt"
	"strings"
)

// ReferenceKind names the business document behind a movement. The set is closed
// except for OtherReference, which carries a free-form tag as "OTHER:<TAG>".
type ReferenceKind string

const (
	RefSale               ReferenceKind = "SALE"
	RefPurchaseOrder      ReferenceKind = "PURCHASE_ORDER"
	RefTransfer           ReferenceKind = "TRANSFER"
	RefProjectConsumption ReferenceKind = "PROJECT_CONSUMPTION"
	RefAdjustment         ReferenceKind = "ADJUSTMENT"
)

const otherPrefix = "OTHER:"

var knownKinds = map[ReferenceKind]bool{
	RefSale:               true,
	RefPurchaseOrder:      true,
	RefTransfer:           true,
	RefProjectConsumption: true,
	RefAdjustment:         true,
}

// OtherReference builds the escape-hatch kind for documents the ledger does not know.
func OtherReference(tag string) ReferenceKind {
	return ReferenceKind(otherPrefix + strings.ToUpper(strings.TrimSpace(tag)))
}

// IsOther reports whether k is an OtherReference.
func (k ReferenceKind) IsOther() bool {
	return strings.HasPrefix(string(k), otherPrefix)
}

// OtherTag returns the tag of an OtherReference, or "".
func (k ReferenceKind) OtherTag() string {
	if !k.IsOther() {
		return ""
	}
	return strings.TrimPrefix(string(k), otherPrefix)
}

func (k ReferenceKind) Valid() bool {
	if knownKinds[k] {
		return true
	}
	return k.IsOther() && k.OtherTag() != ""
}

// ParseReferenceKind accepts the known kinds case-insensitively and "other:<tag>".
// An empty string parses to the empty kind (no reference).
func ParseReferenceKind(s string) (ReferenceKind, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, otherPrefix) {
		k := OtherReference(s[len(otherPrefix):])
		if k.OtherTag() == "" {
			return "", fmt.Errorf("reference kind %q has an empty tag", s)
		}
		return k, nil
	}
	k := ReferenceKind(upper)
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown reference kind %q", s)
	}
	return k, nil
}

// Reference points at the business document that caused a movement.
type Reference struct {
	Kind ReferenceKind `json:"kind,omitempty"`
	ID   string        `json:"id,omitempty"`
}

func (r Reference) String() string {
	if r.Kind == "" {
		return r.ID
	}
	return string(r.Kind) + "/" + r.ID
}
