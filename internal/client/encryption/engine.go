// Путь: internal/client/encryption/engine.go
// Package encryption - криптографическое ядро: пара ключей на сессию
// браузера, общий симметричный ключ с каждым пиром через ECDH и
// аутентифицированное шифрование полезной нагрузки.
package encryption

// EncryptedMessage - стандартный "конверт" для зашифрованных данных.
// На проводе оба поля кодируются base64.
type EncryptedMessage struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"iv"`
}

// ICryptoEngine определяет модульный интерфейс криптографического движка.
// Приватный ключ остается внутри движка и никогда его не покидает;
// производные сессионные ключи живут только в памяти и исчезают при
// перезапуске - восстановление сессии возможно только новым рукопожатием.
type ICryptoEngine interface {
	// GenerateIdentity создает пару ключей на время жизни процесса.
	// Идемпотентна: повторный вызов - no-op.
	GenerateIdentity() error

	// ExportPublicKey возвращает локальный публичный ключ как base64 SPKI.
	// Если пара еще не сгенерирована - генерирует лениво.
	ExportPublicKey() (string, error)

	// DeriveSession импортирует публичный ключ пира, выполняет ECDH и
	// сохраняет производный симметричный ключ по peerID. Прежний ключ
	// для того же пира молча заменяется (повторное рукопожатие после
	// перезагрузки страницы).
	DeriveSession(peerID string, peerPublicKeyB64 string) error

	// HasSession сообщает, установлен ли ключ для пира.
	HasSession(peerID string) bool

	// Encrypt шифрует plaintext сессионным ключом пира. Без сессии -
	// errs.ErrNoSession. Каждый вызов использует свежий случайный nonce.
	Encrypt(peerID string, plaintext []byte) (*EncryptedMessage, error)

	// Decrypt расшифровывает конверт. Без сессии - errs.ErrNoSession,
	// при провале проверки GCM-тега - errs.ErrAuthentication.
	Decrypt(peerID string, msg *EncryptedMessage) ([]byte, error)
}
