package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

// EnvelopeHash computes the canonical signing hash of an instruction
// envelope: Keccak-256 over type, sender, nonce and the raw JSON body.
// Length prefixes keep the encoding unambiguous.
func EnvelopeHash(instrType string, sender []byte, nonce uint64, body []byte) []byte {
	var buf []byte

	appendField := func(field []byte) {
		var lenLE [4]byte
		binary.LittleEndian.PutUint32(lenLE[:], uint32(len(field)))
		buf = append(buf, lenLE[:]...)
		buf = append(buf, field...)
	}

	appendField([]byte(instrType))
	appendField(sender)
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], nonce)
	appendField(nonceLE[:])
	appendField(body)

	return crypto.Keccak256(buf)
}

// SignEnvelope signs an instruction envelope with the signer's key.
func (s *Signer) SignEnvelope(instrType string, nonce uint64, body []byte) ([]byte, error) {
	hash := EnvelopeHash(instrType, s.address.Bytes(), nonce, body)
	return s.Sign(hash)
}
