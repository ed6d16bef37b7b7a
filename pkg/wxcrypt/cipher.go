package wxcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

const (
	// blockSize is the PKCS#7 block size of the platform scheme. It is larger
	// than the AES block on purpose and must stay at 32 for interoperability.
	blockSize   = 32
	randomSize  = 16
	lengthSize  = 4
	aesKeyBytes = 32
)

// Cipher encrypts and decrypts callback payloads for one account.
//
// The AES key is the base64 decoding of the configured EncodingAESKey and the
// IV is the first 16 bytes of that same key, as required by the platform.
type Cipher struct {
	token      string
	receiverID string
	key        []byte
	iv         []byte
	random     func([]byte) error
}

// NewCipher builds a Cipher from the callback token, the 43-character
// EncodingAESKey and the receiver id (AppID or CorpID) embedded in payloads.
func NewCipher(token, encodingAESKey, receiverID string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAESKey, err)
	}
	if len(key) != aesKeyBytes {
		return nil, ErrInvalidAESKey
	}

	return &Cipher{
		token:      token,
		receiverID: receiverID,
		key:        key,
		iv:         key[:aes.BlockSize],
		random: func(b []byte) error {
			_, err := rand.Read(b)
			return err
		},
	}, nil
}

// Token returns the callback token used for signatures.
func (c *Cipher) Token() string {
	return c.token
}

// Decrypt reverses Encrypt and checks the embedded receiver id.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}

	if len(plain) < randomSize+lengthSize {
		return "", ErrInvalidLength
	}
	msgLen := binary.BigEndian.Uint32(plain[randomSize : randomSize+lengthSize])
	body := plain[randomSize+lengthSize:]
	if uint64(msgLen) > uint64(len(body)) {
		return "", ErrInvalidLength
	}

	msg := body[:msgLen]
	receiver := string(body[msgLen:])
	if receiver != c.receiverID {
		return "", fmt.Errorf("%w: got %q", ErrReceiverMismatch, receiver)
	}

	return string(msg), nil
}

// Encrypt packs plaintext as random(16) | be32(len) | plaintext | receiverID,
// pads it to 32 bytes, encrypts with AES-CBC and base64 encodes the result.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	prefix := make([]byte, randomSize)
	if err := c.random(prefix); err != nil {
		return "", fmt.Errorf("failed to generate random prefix: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(prefix)
	var length [lengthSize]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(plaintext))) // #nosec G115 - callback payloads are far below 4GiB
	buf.Write(length[:])
	buf.WriteString(plaintext)
	buf.WriteString(c.receiverID)

	padded := pkcs7Pad(buf.Bytes())

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// EncryptEnvelope encrypts a reply and wraps it in the signed XML envelope.
// An empty timestamp is replaced with the current Unix time.
func (c *Cipher) EncryptEnvelope(plaintext, nonce, timestamp string) (string, error) {
	if timestamp == "" {
		timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	}

	encrypted, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}

	env := EncryptedReply{
		Encrypt:      CDATA{Value: encrypted},
		MsgSignature: CDATA{Value: Signature(c.token, timestamp, nonce, encrypted)},
		TimeStamp:    timestamp,
		Nonce:        CDATA{Value: nonce},
	}

	out, err := xml.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(out), nil
}

// VerifyURL authenticates the one-time callback URL check and returns the
// decrypted echo string.
func (c *Cipher) VerifyURL(msgSignature, timestamp, nonce, echostr string) (string, error) {
	if !Verify(msgSignature, timestamp, nonce, echostr, c.token) {
		return "", ErrSignatureMismatch
	}
	return c.Decrypt(echostr)
}

// DecryptMessage authenticates and decrypts an inbound encrypted message.
func (c *Cipher) DecryptMessage(msgSignature, timestamp, nonce, encrypted string) (string, error) {
	if !Verify(msgSignature, timestamp, nonce, encrypted, c.token) {
		return "", ErrSignatureMismatch
	}
	return c.Decrypt(encrypted)
}

func pkcs7Pad(data []byte) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > blockSize || pad > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-pad], nil
}
