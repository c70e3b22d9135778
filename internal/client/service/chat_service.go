// Путь: internal/client/service/chat_service.go
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"WaveTalk/internal/client"
	"WaveTalk/internal/client/encryption"
	"WaveTalk/internal/core"
	"WaveTalk/internal/errs"
	"WaveTalk/internal/relay"
)

// chatBody - содержимое сообщения до шифрования / после расшифровки.
type chatBody struct {
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// ChatService превращает защищенную сессию в обмен сообщениями чата и
// голосовыми заметками. Доставка best-effort: подтверждений не существует,
// локальное эхо добавляется сразу после публикации.
type ChatService struct {
	selfID    string
	engine    encryption.ICryptoEngine
	transport client.IRelayTransport
	history   *HistoryStore
	events    *core.EventManager
	clock     clock.Clock
}

// NewChatService - конструктор.
func NewChatService(selfID string, engine encryption.ICryptoEngine, transport client.IRelayTransport, history *HistoryStore, events *core.EventManager, clk clock.Clock) *ChatService {
	return &ChatService{
		selfID:    selfID,
		engine:    engine,
		transport: transport,
		history:   history,
		events:    events,
		clock:     clk,
	}
}

// SendMessage шифрует {text, audio} и публикует на relay:payload. Без
// установленной сессии возвращает errs.ErrNoSession - вызывающая сторона
// показывает "устанавливаем защищенное соединение" и повторяет рукопожатие.
func (cs *ChatService) SendMessage(peerID string, text, audioBase64 string) (*ChatMessage, error) {
	if text == "" && audioBase64 == "" {
		return nil, fmt.Errorf("пустое сообщение")
	}

	plaintext, err := json.Marshal(chatBody{Text: text, Audio: audioBase64})
	if err != nil {
		return nil, err
	}

	encrypted, err := cs.engine.Encrypt(peerID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("шифрование для %s: %w", peerID, err)
	}

	raw, err := json.Marshal(encrypted)
	if err != nil {
		return nil, err
	}

	if err := cs.transport.Publish(relay.EventRelayPayload, relay.RelayEnvelope{
		To:      peerID,
		Payload: raw,
	}); err != nil {
		return nil, err
	}

	// Оптимистичное локальное эхо: ack'ов нет, ждать нечего.
	msg := ChatMessage{
		ID:          uuid.New().String(),
		SessionID:   peerID,
		SenderID:    cs.selfID,
		Text:        text,
		AudioBase64: audioBase64,
		Timestamp:   cs.clock.Now(),
		Read:        true,
	}
	cs.history.Append(msg)

	log.Printf("INFO: [ChatService] Сообщение для %s отправлено.", peerID)
	return &msg, nil
}

// HandleEncrypted обрабатывает входящий зашифрованный конверт (вызывается
// диспетчером). Сообщения с невалидным GCM-тегом дропаются: расшифровать
// их невозможно, а переспросить некого.
func (cs *ChatService) HandleEncrypted(from string, encrypted *encryption.EncryptedMessage) {
	plaintext, err := cs.engine.Decrypt(from, encrypted)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrNoSession):
			log.Printf("WARN: [ChatService] Сообщение от %s до рукопожатия, дроп.", from)
		case errors.Is(err, errs.ErrAuthentication):
			log.Printf("WARN: [ChatService] Сообщение от %s не прошло аутентификацию, дроп.", from)
		default:
			log.Printf("ERROR: [ChatService] Ошибка расшифровки от %s: %v", from, err)
		}
		return
	}

	body := chatBody{}
	if err := json.Unmarshal(plaintext, &body); err != nil {
		log.Printf("WARN: [ChatService] Нечитаемое содержимое от %s: %v", from, err)
		return
	}

	// Транспорт не переносит авторский timestamp - используем время приема.
	msg := ChatMessage{
		ID:          uuid.New().String(),
		SessionID:   from,
		SenderID:    from,
		Text:        body.Text,
		AudioBase64: body.Audio,
		Timestamp:   cs.clock.Now(),
	}
	cs.history.Append(msg)

	if err := cs.events.PushEvent(core.NewMessageEvent(msg)); err != nil {
		log.Printf("WARN: [ChatService] Событие о сообщении потеряно: %v", err)
	}
}

// History возвращает историю с пиром (с примененной политикой вытеснения).
func (cs *ChatService) History(peerID string) []ChatMessage {
	return cs.history.Get(peerID)
}

// MarkRead отмечает переписку с пиром прочитанной.
func (cs *ChatService) MarkRead(peerID string) {
	cs.history.MarkRead(peerID)
}
