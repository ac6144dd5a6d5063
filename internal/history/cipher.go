package history

import (
	"errors"

	"github.com/mfonseca/warbler/internal/store"
)

// ErrDuplicate is returned by a Cipher when the payload is a replay of one
// it already processed; the message is dropped without a trace.
var ErrDuplicate = errors.New("duplicate encrypted payload")

// ErrNotForThisDevice is returned when the payload was not addressed to
// this device's session.
var ErrNotForThisDevice = errors.New("payload not addressed to this device")

// Decoded is the result of decrypting an inbound payload.
type Decoded struct {
	Body        string
	Encryption  store.Encryption
	Fingerprint string
}

// Cipher decrypts inbound end-to-end encrypted payloads. The engine treats
// it as opaque; a nil cipher leaves encrypted messages as placeholders.
type Cipher interface {
	Decode(account string, msg *Message) (Decoded, error)
}

const (
	bodyNotForThisDevice = "Message was not encrypted for this device."
	bodyDecryptionFailed = "Message decryption failed!"
)

// prepareBody resolves the displayable body of an inbound message. Returns
// ok=false when the message should be dropped entirely.
func (s *Store) prepareBody(account string, msg *Message) (body string, enc store.Encryption, fingerprint string, ok bool) {
	if !msg.Encrypted {
		return msg.Body, store.EncryptionNone, "", true
	}
	if s.cipher == nil {
		return bodyNotForThisDevice, store.EncryptionNotForThisDevice, "", true
	}
	decoded, err := s.cipher.Decode(account, msg)
	switch {
	case err == nil:
		return decoded.Body, decoded.Encryption, decoded.Fingerprint, true
	case errors.Is(err, ErrDuplicate):
		return "", store.EncryptionNone, "", false
	case errors.Is(err, ErrNotForThisDevice):
		return bodyNotForThisDevice, store.EncryptionNotForThisDevice, "", true
	default:
		s.log.Warn("message decryption failed", errField(err))
		return bodyDecryptionFailed, store.EncryptionDecryptionFailed, "", true
	}
}
