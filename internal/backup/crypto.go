// Package backup encrypts the store snapshot into an opaque versioned blob
// and ships it to a remote blob store. The remote service only ever sees
// ciphertext; a failed restore surfaces an explicit decryption error and
// never partial data.
package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dvloznov/finboard/internal/domain"
)

// Blob format constants. These match the payloads written by earlier
// versions of the app, so old backups stay restorable.
const (
	blobVersion      = 1
	pbkdf2Iterations = 100_000
	saltSize         = 16
	nonceSize        = 12
	keySize          = 32
)

// ErrDecryption means the password is wrong or the blob is corrupted.
// There is deliberately no way to tell which.
var ErrDecryption = errors.New("backup: wrong password or corrupted data")

// Blob is the encrypted snapshot envelope. All binary fields are base64.
type Blob struct {
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Version    int    `json:"version"`
	Timestamp  int64  `json:"timestamp"` // milliseconds since epoch
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keySize, sha256.New)
}

// Encrypt serializes the snapshot and seals it with AES-256-GCM under a
// key derived from the password.
func Encrypt(snap domain.Snapshot, password string, now time.Time) (Blob, error) {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return Blob{}, fmt.Errorf("backup: encode snapshot: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Blob{}, fmt.Errorf("backup: generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Blob{}, fmt.Errorf("backup: generate nonce: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return Blob{}, fmt.Errorf("backup: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Blob{}, fmt.Errorf("backup: init gcm: %w", err)
	}

	return Blob{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
		Version:    blobVersion,
		Timestamp:  now.UnixMilli(),
	}, nil
}

// Decrypt opens a blob with the given password. Every failure mode
// collapses into ErrDecryption so the caller treats the restore as atomic.
func Decrypt(blob Blob, password string) (domain.Snapshot, error) {
	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return domain.Snapshot{}, ErrDecryption
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil || len(nonce) != nonceSize {
		return domain.Snapshot{}, ErrDecryption
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return domain.Snapshot{}, ErrDecryption
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return domain.Snapshot{}, ErrDecryption
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return domain.Snapshot{}, ErrDecryption
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return domain.Snapshot{}, ErrDecryption
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return domain.Snapshot{}, ErrDecryption
	}
	return snap, nil
}
