// Путь: internal/client/transport.go
// Package client - клиентская сторона ядра: транспорт до релея,
// криптосессии, протоколы сообщений и звонков.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"WaveTalk/internal/errs"
	"WaveTalk/internal/relay"
)

// Handler - обработчик входящего кадра логического канала.
type Handler func(data json.RawMessage)

// IRelayTransport - единственное мультиплексированное соединение до релея.
// Переподключение не входит в гарантии корректности: после разрыва хост
// вызывает Connect заново и повторяет рукопожатия с нужными пирами.
type IRelayTransport interface {
	// Connect открывает соединение и сразу публикует presence:join с профилем.
	Connect(ctx context.Context, url string, profile relay.Profile) error

	// Subscribe добавляет обработчик канала. Кадры раздаются в порядке
	// поступления, обработчики одного канала - в порядке подписки.
	// Возвращаемая функция снимает подписку.
	Subscribe(event string, h Handler) (unsubscribe func())

	// Publish отправляет адресованное сообщение. Доставка не гарантируется:
	// если пир не подключен, релей молча дропает.
	Publish(event string, payload interface{}) error

	// Close закрывает соединение.
	Close() error
}

// subscription - один обработчик с токеном для отписки. Срез вместо map,
// чтобы fan-out шел строго в порядке подписки.
type subscription struct {
	id uint64
	h  Handler
}

// relayTransport - реализация поверх gorilla/websocket.
type relayTransport struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]subscription
	nextID   uint64
	writeMu  sync.Mutex
}

// NewRelayTransport - конструктор транспорта.
func NewRelayTransport() IRelayTransport {
	return &relayTransport{
		handlers: make(map[string][]subscription),
	}
}

func (t *relayTransport) Connect(ctx context.Context, url string, profile relay.Profile) error {
	if profile.ID == "" {
		return fmt.Errorf("профиль без id")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("не удалось подключиться к релею %s: %w", url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)

	// Сразу объявляем присутствие, иначе релей не сможет нас маршрутизировать.
	if err := t.Publish(relay.EventPresenceJoin, profile); err != nil {
		t.Close()
		return err
	}

	log.Printf("INFO: [RelayTransport] Подключен к релею как %s", profile.ID)
	return nil
}

func (t *relayTransport) Subscribe(event string, h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.handlers[event] = append(t.handlers[event], subscription{id: id, h: h})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.handlers[event]
		for i, sub := range subs {
			if sub.id == id {
				t.handlers[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (t *relayTransport) Publish(event string, payload interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("публикация %s: %w", event, errs.ErrTransportUnavailable)
	}

	frame, err := relay.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	// gorilla/websocket допускает только одного писателя на соединение.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("публикация %s: %w", event, errs.ErrTransportUnavailable)
	}
	return nil
}

func (t *relayTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop раздает входящие кадры подписчикам. Обработчики вызываются
// синхронно, в порядке поступления кадров.
func (t *relayTransport) readLoop(conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("INFO: [RelayTransport] Соединение с релеем закрыто: %v", err)
			return
		}

		frame, err := relay.DecodeFrame(raw)
		if err != nil {
			log.Printf("WARN: [RelayTransport] Кадр отклонен: %v", err)
			continue
		}

		t.mu.Lock()
		subs := make([]subscription, len(t.handlers[frame.Event]))
		copy(subs, t.handlers[frame.Event])
		t.mu.Unlock()

		for _, sub := range subs {
			sub.h(frame.Data)
		}
	}
}
