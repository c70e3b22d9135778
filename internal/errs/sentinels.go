// Путь: internal/errs/sentinels.go
// Package errs содержит sentinel-ошибки, общие для всех слоев ядра.
package errs

import "errors"

// Таксономия ошибок ядра. Слои оборачивают их через fmt.Errorf("...: %w", err),
// вызывающая сторона проверяет errors.Is.
var (
	// ErrNoSession - операция шифрования/отправки до завершения рукопожатия с пиром.
	// Восстанавливается повторным рукопожатием.
	ErrNoSession = errors.New("no secure session")

	// ErrAuthentication - проверка GCM-тега при расшифровке не прошла
	// (данные повреждены или ключ от сброшенной сессии).
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransportUnavailable - соединение с релеем не открыто в момент отправки.
	// Транспорт сам не ретраит.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrMediaAccess - микрофон/камера недоступны при старте звонка.
	// Звонок прерывается, сигнал пиру не уходит.
	ErrMediaAccess = errors.New("media access denied")

	// ErrPeerUnreachable - адресат не подключен к релею. Релей молча
	// дропает такие сообщения, ошибка используется только локально.
	ErrPeerUnreachable = errors.New("peer unreachable")
)
