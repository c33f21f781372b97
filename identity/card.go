package identity

import "crypto/sha256"

// RelationshipCard is a signed credential attached to AddRelatedIdentity
// requests (spec.md §3).
type RelationshipCard struct {
	CardID            [CardIDLength]byte
	Version           Version
	IssuerPublicKey   []byte
	RecipientPublicKey []byte
	Type              string
	ValidFrom         int64 // Unix milliseconds
	ValidTo           int64 // Unix milliseconds
	IssuerSignature   []byte
}

// Application is the sub-record attached to an AddRelatedIdentity request
// alongside its RelationshipCard (spec.md §4.1).
type Application struct {
	CardID        [CardIDLength]byte
	ApplicationID []byte
}

// CanonicalFields returns the byte-encoding of the card with its CardID
// zeroed, i.e. the input to the CardID hash (spec.md §3, §8).
func (c *RelationshipCard) CanonicalFields() []byte {
	buf := make([]byte, 0, len(c.IssuerPublicKey)+len(c.RecipientPublicKey)+len(c.Type)+22)
	buf = append(buf, byte(c.Version.Major), byte(c.Version.Major>>8))
	buf = append(buf, byte(c.Version.Minor), byte(c.Version.Minor>>8))
	buf = append(buf, byte(c.Version.Patch), byte(c.Version.Patch>>8))
	buf = append(buf, c.IssuerPublicKey...)
	buf = append(buf, c.RecipientPublicKey...)
	buf = append(buf, []byte(c.Type)...)
	buf = appendInt64(buf, c.ValidFrom)
	buf = appendInt64(buf, c.ValidTo)
	return buf
}

func appendInt64(buf []byte, v int64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

// ComputeCardID returns SHA-256 of the card's canonical fields (CardID
// zeroed), the value every accepted card's CardID must equal (spec.md §8).
func (c *RelationshipCard) ComputeCardID() [CardIDLength]byte {
	return sha256.Sum256(c.CanonicalFields())
}
