// Путь: internal/client/service/protocol_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"WaveTalk/internal/client"
	"WaveTalk/internal/client/encryption"
	"WaveTalk/internal/core"
	"WaveTalk/internal/errs"
	"WaveTalk/internal/relay"
)

// loopTransport - синхронный транспорт-петля для двух стеков в одном
// процессе: Publish доставляет кадр подписчикам второй стороны сразу,
// проставляя From как сделал бы релей. Сеть в этих тестах не нужна.
type loopTransport struct {
	selfID string
	peer   *loopTransport

	mu       sync.Mutex
	handlers map[string][]client.Handler
}

func loopPair(aID, bID string) (*loopTransport, *loopTransport) {
	a := &loopTransport{selfID: aID, handlers: make(map[string][]client.Handler)}
	b := &loopTransport{selfID: bID, handlers: make(map[string][]client.Handler)}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *loopTransport) Connect(ctx context.Context, url string, profile relay.Profile) error {
	return nil
}

func (t *loopTransport) Subscribe(event string, h client.Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
	return func() {}
}

func (t *loopTransport) Publish(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	switch event {
	case relay.EventRelayPayload:
		env := relay.RelayEnvelope{}
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		env.From = t.selfID
		env.To = ""
		out, _ := json.Marshal(env)
		t.peer.deliver(event, out)
	case relay.EventSignalExchange:
		env := relay.SignalEnvelope{}
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		env.From = t.selfID
		env.To = ""
		out, _ := json.Marshal(env)
		t.peer.deliver(event, out)
	}
	return nil
}

func (t *loopTransport) deliver(event string, data json.RawMessage) {
	t.mu.Lock()
	hs := append([]client.Handler{}, t.handlers[event]...)
	t.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (t *loopTransport) Close() error { return nil }

// testPeer - полный клиентский стек поверх loopTransport.
type testPeer struct {
	id      string
	engine  encryption.ICryptoEngine
	session ISessionService
	chat    *ChatService
	events  *core.EventManager
}

func newTestPeer(t *testing.T, id string, transport client.IRelayTransport) *testPeer {
	t.Helper()

	engine := encryption.NewEcdhEngine()
	events := core.NewEventManager(64)
	clk := clock.NewMock()

	sessionSvc := NewSessionService(engine, transport, nil)
	chatSvc := NewChatService(id, engine, transport, NewHistoryStore(clk), events, clk)

	dispatcher := NewMessageDispatcher(sessionSvc, chatSvc, nil, events)
	dispatcher.Attach(transport)

	return &testPeer{id: id, engine: engine, session: sessionSvc, chat: chatSvc, events: events}
}

func drainEvent(t *testing.T, p *testPeer, want core.EventType) core.Event {
	t.Helper()
	for {
		select {
		case ev := <-p.events.Events():
			if ev.Type == want {
				return ev
			}
		default:
			t.Fatalf("Событие %s у %s не появилось", want, p.id)
		}
	}
}

// TestSecureChatScenario - базовый сценарий: рукопожатие и сообщение
// alice -> bob доходит расшифрованным.
func TestSecureChatScenario(t *testing.T) {
	ta, tb := loopPair("alice", "bob")
	alice := newTestPeer(t, "alice", ta)
	bob := newTestPeer(t, "bob", tb)

	if err := alice.session.StartSecureSession("bob"); err != nil {
		t.Fatalf("Рукопожатие не стартовало: %v", err)
	}

	// Петля синхронная: к возврату StartSecureSession ответ уже пришел.
	if alice.session.State("bob") != StateEstablished {
		t.Fatalf("Сессия у alice: %s", alice.session.State("bob"))
	}
	if bob.session.State("alice") != StateEstablished {
		t.Fatalf("Сессия у bob: %s", bob.session.State("alice"))
	}

	if _, err := alice.chat.SendMessage("bob", "hi", ""); err != nil {
		t.Fatalf("Отправка не удалась: %v", err)
	}

	ev := drainEvent(t, bob, core.EventTypeNewMessage)
	msg := ev.Payload.(ChatMessage)
	if msg.SenderID != "alice" || msg.Text != "hi" {
		t.Errorf("Получено не то сообщение: %+v", msg)
	}

	// Эхо у отправителя.
	if history := alice.chat.History("bob"); len(history) != 1 || history[0].Text != "hi" {
		t.Errorf("Локальное эхо отсутствует: %+v", history)
	}
	// И в истории получателя.
	if history := bob.chat.History("alice"); len(history) != 1 {
		t.Errorf("Сообщение не попало в историю bob: %+v", history)
	}
}

// TestSendBeforeHandshake: отправка до рукопожатия - ErrNoSession, не блок.
func TestSendBeforeHandshake(t *testing.T) {
	ta, _ := loopPair("alice", "bob")
	alice := newTestPeer(t, "alice", ta)

	if _, err := alice.chat.SendMessage("bob", "рано", ""); !errors.Is(err, errs.ErrNoSession) {
		t.Errorf("Ожидали ErrNoSession, получили %v", err)
	}
}

// TestSimultaneousInitiation: обе стороны инициируют одновременно - благодаря
// коммутативности ECDH оба ключа совпадают, чат работает в обе стороны.
func TestSimultaneousInitiation(t *testing.T) {
	ta, tb := loopPair("alice", "bob")
	alice := newTestPeer(t, "alice", ta)
	bob := newTestPeer(t, "bob", tb)

	if err := alice.session.StartSecureSession("bob"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := bob.session.StartSecureSession("alice"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	if _, err := alice.chat.SendMessage("bob", "от alice", ""); err != nil {
		t.Fatalf("alice -> bob: %v", err)
	}
	drainEvent(t, bob, core.EventTypeNewMessage)

	if _, err := bob.chat.SendMessage("alice", "от bob", ""); err != nil {
		t.Fatalf("bob -> alice: %v", err)
	}
	drainEvent(t, alice, core.EventTypeNewMessage)
}

// TestTamperedPayloadDropped: конверт с испорченным ciphertext молча
// дропается - ни события, ни записи в истории, ни паники.
func TestTamperedPayloadDropped(t *testing.T) {
	ta, tb := loopPair("alice", "bob")
	alice := newTestPeer(t, "alice", ta)
	bob := newTestPeer(t, "bob", tb)

	if err := alice.session.StartSecureSession("bob"); err != nil {
		t.Fatalf("Рукопожатие: %v", err)
	}

	garbage, _ := json.Marshal(encryption.EncryptedMessage{
		Ciphertext: []byte("мусор вместо шифртекста"),
		Nonce:      make([]byte, 12),
	})
	ta.Publish(relay.EventRelayPayload, relay.RelayEnvelope{To: "bob", Payload: garbage})

	if len(bob.chat.History("alice")) != 0 {
		t.Error("Порченое сообщение попало в историю")
	}
	select {
	case ev := <-bob.events.Events():
		if ev.Type == core.EventTypeNewMessage {
			t.Error("Порченое сообщение породило событие")
		}
	default:
	}
}

// TestVoiceNoteRoundTrip: голосовая заметка доезжает как audioBase64.
func TestVoiceNoteRoundTrip(t *testing.T) {
	ta, tb := loopPair("alice", "bob")
	alice := newTestPeer(t, "alice", ta)
	bob := newTestPeer(t, "bob", tb)

	if err := alice.session.StartSecureSession("bob"); err != nil {
		t.Fatalf("Рукопожатие: %v", err)
	}
	if _, err := alice.chat.SendMessage("bob", "", "T3B1c0RhdGE="); err != nil {
		t.Fatalf("Отправка: %v", err)
	}

	ev := drainEvent(t, bob, core.EventTypeNewMessage)
	msg := ev.Payload.(ChatMessage)
	if msg.AudioBase64 != "T3B1c0RhdGE=" {
		t.Errorf("Аудио не доехало: %+v", msg)
	}
}
