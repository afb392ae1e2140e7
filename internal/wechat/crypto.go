package wechat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const aesBlockPad = 32

var (
	ErrBadSignature  = errors.New("wechat signature mismatch")
	ErrBadCiphertext = errors.New("wechat ciphertext malformed")
)

// Signature computes the platform signature: sha1 over the lexically sorted,
// concatenated parts.
func Signature(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, "")))
	return hex.EncodeToString(sum[:])
}

func verifySignature(want string, parts ...string) bool {
	got := Signature(parts...)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(want))) == 1
}

// cipherSuite implements the safe-mode message encryption scheme:
// AES-256-CBC with key = base64(EncodingAESKey + "="), iv = key[:16], PKCS#7
// padding to 32 bytes, plaintext = random(16) | len(4, big endian) | msg | appid.
type cipherSuite struct {
	key   []byte
	appID string
}

func newCipherSuite(encodingAESKey, appID string) (*cipherSuite, error) {
	if len(encodingAESKey) != 43 {
		return nil, fmt.Errorf("encoding AES key must be 43 characters, got %d", len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode encoding AES key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encoding AES key decodes to %d bytes, want 32", len(key))
	}
	return &cipherSuite{key: key, appID: appID}, nil
}

func (c *cipherSuite) decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > aesBlockPad || pad > len(plain) {
		return nil, ErrBadCiphertext
	}
	plain = plain[:len(plain)-pad]
	if len(plain) < 20 {
		return nil, ErrBadCiphertext
	}
	msgLen := int(binary.BigEndian.Uint32(plain[16:20]))
	if msgLen < 0 || 20+msgLen > len(plain) {
		return nil, ErrBadCiphertext
	}
	msg := plain[20 : 20+msgLen]
	if appID := string(plain[20+msgLen:]); c.appID != "" && appID != c.appID {
		return nil, fmt.Errorf("%w: app id %q does not match", ErrBadCiphertext, appID)
	}
	return msg, nil
}

func (c *cipherSuite) encrypt(msg []byte) (string, error) {
	var buf bytes.Buffer
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}
	buf.Write(random)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(msg)))
	buf.Write(size[:])
	buf.Write(msg)
	buf.WriteString(c.appID)

	pad := aesBlockPad - buf.Len()%aesBlockPad
	buf.Write(bytes.Repeat([]byte{byte(pad)}, pad))

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	out := make([]byte, buf.Len())
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, buf.Bytes())
	return base64.StdEncoding.EncodeToString(out), nil
}
