package fsstore

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// blobStore keeps object bodies content-addressed by the SHA-256 of their
// plaintext. Pipeline on write: plaintext -> zstd -> optional seal -> file.
// Identical bodies share one blob; callers reclaim blobs once no object
// metadata references them.
type blobStore struct {
	dir string
	key *[32]byte // nil disables sealing

	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newBlobStore(dir string, key *[32]byte) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blobs dir: %w", err)
	}

	b := &blobStore{dir: dir, key: key}
	b.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
			return enc
		},
	}
	b.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
	return b, nil
}

// write stores data and returns its content hash. Existing blobs are reused.
func (b *blobStore) write(data []byte) (string, error) {
	hash := contentHash(data)
	path := b.path(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	payload := b.compress(data)
	if b.key != nil {
		sealed, err := b.seal(payload, hash)
		if err != nil {
			return "", err
		}
		payload = sealed
	}

	// Unique temp names keep concurrent writers of the same hash apart;
	// the last rename wins with identical content.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename blob: %w", err)
	}

	return hash, nil
}

// read returns the plaintext of a blob and verifies its hash.
func (b *blobStore) read(hash string) ([]byte, error) {
	payload, err := os.ReadFile(b.path(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob not found: %s", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	if b.key != nil {
		payload, err = b.open(payload, hash)
		if err != nil {
			return nil, err
		}
	}

	data, err := b.decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}

	if actual := contentHash(data); actual != hash {
		return nil, fmt.Errorf("blob hash mismatch: expected %s, got %s", hash, actual)
	}
	return data, nil
}

func (b *blobStore) remove(hash string) error {
	if err := os.Remove(b.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// path shards blobs by the first two hash characters: blobs/ab/abcdef...
func (b *blobStore) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(b.dir, hash)
	}
	return filepath.Join(b.dir, hash[:2], hash)
}

func (b *blobStore) compress(data []byte) []byte {
	enc := b.encoderPool.Get().(*zstd.Encoder)
	defer b.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (b *blobStore) decompress(data []byte) ([]byte, error) {
	dec := b.decoderPool.Get().(*zstd.Decoder)
	defer b.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// seal encrypts with XChaCha20-Poly1305. Key and nonce are derived from the
// store key and the content hash, so equal plaintext yields equal blobs.
func (b *blobStore) seal(plaintext []byte, hash string) ([]byte, error) {
	aead, nonce, err := b.blobCipher(hash)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (b *blobStore) open(ciphertext []byte, hash string) ([]byte, error) {
	aead, nonce, err := b.blobCipher(hash)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return plaintext, nil
}

func (b *blobStore) blobCipher(hash string) (cipher.AEAD, []byte, error) {
	var key [32]byte
	kr := hkdf.New(sha256.New, b.key[:], []byte(hash), []byte("s3kv-blob-key"))
	if _, err := io.ReadFull(kr, key[:]); err != nil {
		return nil, nil, fmt.Errorf("derive blob key: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	nr := hkdf.New(sha256.New, append(b.key[:], []byte(hash)...), nil, []byte("s3kv-blob-nonce"))
	if _, err := io.ReadFull(nr, nonce); err != nil {
		return nil, nil, fmt.Errorf("derive blob nonce: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nonce, nil
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
