// Путь: cmd/test_two_clients/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"WaveTalk/internal/client"
	"WaveTalk/internal/client/encryption"
	services "WaveTalk/internal/client/service"
	"WaveTalk/internal/core"
	"WaveTalk/internal/relay"
	"WaveTalk/pkg/interfaces"
)

// peer - один полный клиент: транспорт + крипто + сервисы.
type peer struct {
	id        string
	transport client.IRelayTransport
	session   services.ISessionService
	chat      *services.ChatService
	call      *services.CallService
	events    *core.EventManager
}

// stubMedia отдает один in-memory opus-трек: демо гоняет сигнализацию,
// настоящие устройства не нужны.
type stubMedia struct{}

func (stubMedia) AcquireTracks(callType string) ([]webrtc.TrackLocal, func(), error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "wavetalk")
	if err != nil {
		return nil, nil, err
	}
	return []webrtc.TrackLocal{track}, func() {}, nil
}

func newPeer(ctx context.Context, id, url string) (*peer, error) {
	transport := client.NewRelayTransport()
	engine := encryption.NewEcdhEngine()
	events := core.NewEventManager(64)
	clk := clock.New()

	history := services.NewHistoryStore(clk)
	sessionSvc := services.NewSessionService(engine, transport, func(peerID string) {
		events.PushEvent(core.SessionEstablishedEvent(peerID))
	})
	chatSvc := services.NewChatService(id, engine, transport, history, events, clk)
	callSvc := services.NewCallService(transport, stubMedia{}, events)

	dispatcher := services.NewMessageDispatcher(sessionSvc, chatSvc, callSvc, events)
	dispatcher.Attach(transport)

	if err := transport.Connect(ctx, url, relay.Profile{ID: id, Name: id}); err != nil {
		return nil, err
	}

	return &peer{
		id:        id,
		transport: transport,
		session:   sessionSvc,
		chat:      chatSvc,
		call:      callSvc,
		events:    events,
	}, nil
}

// waitEvent ждет событие заданного типа, пропуская остальные.
func waitEvent(p *peer, want core.EventType) (core.Event, error) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.events.Events():
			if ev.Type == want {
				return ev, nil
			}
		case <-deadline:
			return core.Event{}, fmt.Errorf("таймаут ожидания %s у %s", want, p.id)
		}
	}
}

// waitCallState ждет события звонка с нужным состоянием.
func waitCallState(p *peer, want services.CallState) error {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.events.Events():
			payload, ok := ev.Payload.(core.CallEventPayload)
			if ok && payload.State == string(want) {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("таймаут ожидания состояния %s у %s", want, p.id)
		}
	}
}

func main() {
	fmt.Println("🧪 ТЕСТ: Два клиента через локальный релей")
	fmt.Println("==========================================")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Поднимаем релей на свободном локальном порту.
	logger, _ := zap.NewDevelopment()
	server := relay.NewServer(relay.NewRegistry(), logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", server)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("❌ Не удалось открыть порт: %v", err)
	}
	go http.Serve(listener, mux)
	url := fmt.Sprintf("ws://%s/ws", listener.Addr())
	fmt.Printf("🚀 Релей запущен: %s\n", url)

	alice, err := newPeer(ctx, "alice", url)
	if err != nil {
		log.Fatalf("❌ Не удалось подключить alice: %v", err)
	}
	defer alice.transport.Close()

	bob, err := newPeer(ctx, "bob", url)
	if err != nil {
		log.Fatalf("❌ Не удалось подключить bob: %v", err)
	}
	defer bob.transport.Close()

	// Рукопожатие: alice - инициатор.
	fmt.Println("\n🤝 Запускаем рукопожатие alice -> bob...")
	if err := alice.session.StartSecureSession("bob"); err != nil {
		log.Fatalf("❌ Рукопожатие не стартовало: %v", err)
	}
	if _, err := waitEvent(alice, core.EventTypeSessionEstablished); err != nil {
		log.Fatalf("❌ %v", err)
	}
	fmt.Println("✅ Сессия установлена с обеих сторон")

	// Обмен сообщениями.
	fmt.Println("\n💬 alice -> bob: 'привет из эфира'")
	if _, err := alice.chat.SendMessage("bob", "привет из эфира", ""); err != nil {
		log.Fatalf("❌ Отправка не удалась: %v", err)
	}
	ev, err := waitEvent(bob, core.EventTypeNewMessage)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	received := ev.Payload.(services.ChatMessage)
	fmt.Printf("✅ bob получил: %q от %s\n", received.Text, received.SenderID)

	fmt.Println("💬 bob -> alice: 'слышу тебя'")
	if _, err := bob.chat.SendMessage("alice", "слышу тебя", ""); err != nil {
		log.Fatalf("❌ Отправка не удалась: %v", err)
	}
	if _, err := waitEvent(alice, core.EventTypeNewMessage); err != nil {
		log.Fatalf("❌ %v", err)
	}
	fmt.Println("✅ alice получила ответ")

	// Сигнализация звонка.
	fmt.Println("\n📞 alice звонит bob...")
	if err := alice.call.InitiateCall("bob", interfaces.CallTypeAudio); err != nil {
		log.Fatalf("❌ Звонок не стартовал: %v", err)
	}
	if _, err := waitEvent(bob, core.EventTypeIncomingCall); err != nil {
		log.Fatalf("❌ %v", err)
	}
	fmt.Println("📲 bob видит входящий, принимает...")
	if err := bob.call.AcceptCall(); err != nil {
		log.Fatalf("❌ Принять не удалось: %v", err)
	}
	if err := waitCallState(alice, services.CallStateActive); err != nil {
		log.Fatalf("❌ %v", err)
	}
	fmt.Printf("✅ Состояния: alice=%s bob=%s\n", alice.call.State(), bob.call.State())

	fmt.Println("📴 alice вешает трубку")
	alice.call.HangupCall()
	time.Sleep(200 * time.Millisecond)

	fmt.Println("\n🎉 Все сценарии прошли")
}
