// Путь: internal/client/encryption/ecdh_engine.go
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"WaveTalk/internal/errs"
)

const sessionKeySize = 32 // AES-256

// ecdhEngine - реализация ICryptoEngine на кривой P-256 и AES-256-GCM.
// Одна пара ключей на процесс, производный ключ - на каждого пира.
type ecdhEngine struct {
	curve      ecdh.Curve
	privateKey *ecdh.PrivateKey
	sessions   map[string][]byte
	mu         sync.RWMutex
}

// NewEcdhEngine - конструктор движка. Ключи не генерируются до первого
// обращения: GenerateIdentity или ленивый ExportPublicKey.
func NewEcdhEngine() ICryptoEngine {
	return &ecdhEngine{
		curve:    ecdh.P256(),
		sessions: make(map[string][]byte),
	}
}

func (e *ecdhEngine) GenerateIdentity() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generateIdentityLocked()
}

func (e *ecdhEngine) generateIdentityLocked() error {
	if e.privateKey != nil {
		return nil
	}
	key, err := e.curve.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("ошибка генерации ECDH ключа: %w", err)
	}
	e.privateKey = key
	return nil
}

func (e *ecdhEngine) ExportPublicKey() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.generateIdentityLocked(); err != nil {
		return "", err
	}

	spki, err := x509.MarshalPKIXPublicKey(e.privateKey.PublicKey())
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации публичного ключа (SPKI): %w", err)
	}
	return base64.StdEncoding.EncodeToString(spki), nil
}

// DeriveSession выполняет ECDH с приватным ключом движка и ключом пира,
// затем прогоняет общий секрет через HKDF-SHA256. Благодаря коммутативности
// ECDH обе стороны получают одинаковый ключ независимо от того, кто начал.
func (e *ecdhEngine) DeriveSession(peerID string, peerPublicKeyB64 string) error {
	spki, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return fmt.Errorf("неверный base64 публичного ключа пира: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return fmt.Errorf("неверный формат публичного ключа пира: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.generateIdentityLocked(); err != nil {
		return err
	}

	var peerKey *ecdh.PublicKey
	switch k := parsed.(type) {
	case *ecdh.PublicKey:
		peerKey = k
	case *ecdsa.PublicKey:
		peerKey, err = k.ECDH()
		if err != nil {
			return fmt.Errorf("публичный ключ пира не на кривой P-256: %w", err)
		}
	default:
		return fmt.Errorf("публичный ключ пира неожиданного типа %T", parsed)
	}

	sharedSecret, err := e.privateKey.ECDH(peerKey)
	if err != nil {
		return fmt.Errorf("ошибка вычисления ECDH секрета: %w", err)
	}

	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte("wavetalk-session-key"))
	sessionKey := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(kdf, sessionKey); err != nil {
		return fmt.Errorf("ошибка генерации ключа из секрета (KDF): %w", err)
	}

	// Молчаливая замена прежнего ключа - намеренно: так переживается
	// переподключение после перезагрузки страницы.
	e.sessions[peerID] = sessionKey
	return nil
}

func (e *ecdhEngine) HasSession(peerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sessions[peerID]
	return ok
}

func (e *ecdhEngine) sessionKey(peerID string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	key, ok := e.sessions[peerID]
	if !ok {
		return nil, fmt.Errorf("нет сессии с пиром %s: %w", peerID, errs.ErrNoSession)
	}
	return key, nil
}

func (e *ecdhEngine) Encrypt(peerID string, plaintext []byte) (*EncryptedMessage, error) {
	key, err := e.sessionKey(peerID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Nonce обязан быть свежим для каждой операции с одним ключом.
	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return &EncryptedMessage{
		Ciphertext: aesgcm.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

func (e *ecdhEngine) Decrypt(peerID string, msg *EncryptedMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("сообщение для расшифровки не может быть nil")
	}

	key, err := e.sessionKey(peerID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(msg.Nonce) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("неверная длина nonce: %w", errs.ErrAuthentication)
	}

	plaintext, err := aesgcm.Open(nil, msg.Nonce, msg.Ciphertext, nil)
	if err != nil {
		// Неверный ключ или сообщение изменено в пути (целостность GCM).
		return nil, fmt.Errorf("ошибка расшифровки: %w", errs.ErrAuthentication)
	}
	return plaintext, nil
}
