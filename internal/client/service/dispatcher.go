// Путь: internal/client/service/dispatcher.go
package services

import (
	"encoding/json"
	"log"

	"WaveTalk/internal/client"
	"WaveTalk/internal/client/encryption"
	"WaveTalk/internal/core"
	"WaveTalk/internal/relay"
)

// MessageDispatcher десериализует и маршрутизирует входящие кадры релея
// по сервисам. Форме с провода не доверяем: все, что не разобралось, дропается.
type MessageDispatcher struct {
	sessionService ISessionService
	chatService    *ChatService
	callService    *CallService
	events         *core.EventManager

	unsubscribes []func()
}

// NewMessageDispatcher - конструктор.
func NewMessageDispatcher(sessionSvc ISessionService, chatSvc *ChatService, callSvc *CallService, events *core.EventManager) *MessageDispatcher {
	return &MessageDispatcher{
		sessionService: sessionSvc,
		chatService:    chatSvc,
		callService:    callSvc,
		events:         events,
	}
}

// Attach подписывает диспетчер на логические каналы транспорта.
func (d *MessageDispatcher) Attach(transport client.IRelayTransport) {
	d.unsubscribes = append(d.unsubscribes,
		transport.Subscribe(relay.EventRelayPayload, d.handleRelayPayload),
		transport.Subscribe(relay.EventSignalExchange, d.handleSignal),
		transport.Subscribe(relay.EventPresenceList, d.handlePresenceList),
	)
}

// Detach снимает все подписки.
func (d *MessageDispatcher) Detach() {
	for _, unsub := range d.unsubscribes {
		unsub()
	}
	d.unsubscribes = nil
}

// handleRelayPayload различает рукопожатие и зашифрованный чат. Рукопожатие
// несет поле type, чатовый конверт - ciphertext/iv.
func (d *MessageDispatcher) handleRelayPayload(data json.RawMessage) {
	env := relay.RelayEnvelope{}
	if err := json.Unmarshal(data, &env); err != nil || env.From == "" {
		log.Printf("WARN: [Dispatcher] Нечитаемый relay:payload: %v", err)
		return
	}

	probe := struct {
		Type string `json:"type"`
	}{}
	if err := json.Unmarshal(env.Payload, &probe); err != nil {
		log.Printf("WARN: [Dispatcher] Нечитаемый payload от %s: %v", env.From, err)
		return
	}

	switch probe.Type {
	case payloadTypeHandshake:
		handshake := HandshakePayload{}
		if err := json.Unmarshal(env.Payload, &handshake); err != nil {
			log.Printf("WARN: [Dispatcher] Нечитаемое рукопожатие от %s: %v", env.From, err)
			return
		}
		d.sessionService.HandleHandshake(env.From, &handshake)

	case "":
		encrypted := &encryption.EncryptedMessage{}
		if err := json.Unmarshal(env.Payload, encrypted); err != nil || len(encrypted.Ciphertext) == 0 {
			log.Printf("WARN: [Dispatcher] Нечитаемый конверт от %s, дроп.", env.From)
			return
		}
		d.chatService.HandleEncrypted(env.From, encrypted)

	default:
		log.Printf("WARN: [Dispatcher] Неизвестный тип payload %q от %s", probe.Type, env.From)
	}
}

// handleSignal маршрутизирует сигнализацию звонков.
func (d *MessageDispatcher) handleSignal(data json.RawMessage) {
	env := relay.SignalEnvelope{}
	if err := json.Unmarshal(data, &env); err != nil || env.From == "" {
		log.Printf("WARN: [Dispatcher] Нечитаемый signal:exchange: %v", err)
		return
	}

	switch env.Type {
	case relay.SignalOffer:
		d.callService.HandleOffer(env.From, env.Signal)
	case relay.SignalAnswer:
		d.callService.HandleAnswer(env.From, env.Signal)
	case relay.SignalCandidate:
		d.callService.HandleCandidate(env.From, env.Signal)
	case relay.SignalHangup:
		d.callService.HandleHangup(env.From)
	default:
		log.Printf("WARN: [Dispatcher] Неизвестный тип сигнала %q от %s", env.Type, env.From)
	}
}

// handlePresenceList пробрасывает снапшот присутствия хост-приложению.
func (d *MessageDispatcher) handlePresenceList(data json.RawMessage) {
	profiles := []relay.Profile{}
	if err := json.Unmarshal(data, &profiles); err != nil {
		log.Printf("WARN: [Dispatcher] Нечитаемый presence:list: %v", err)
		return
	}
	d.events.PushEvent(core.PresenceUpdateEvent(profiles))
}
