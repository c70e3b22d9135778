// Путь: internal/core/events.go
// Package core содержит очередь событий, через которую ядро уведомляет
// хост-приложение (UI радиоплеера) о происходящем.
package core

import (
	"fmt"
	"sync"
	"time"
)

// EventType определяет тип события
type EventType string

const (
	// События сообщений
	EventTypeNewMessage EventType = "NewMessage"

	// События сессий
	EventTypeSessionEstablished EventType = "SessionEstablished"

	// События присутствия
	EventTypePresenceUpdate EventType = "PresenceUpdate"

	// События звонков
	EventTypeIncomingCall     EventType = "IncomingCall"
	EventTypeCallStateChanged EventType = "CallStateChanged"
)

// Event представляет событие, которое будет отправлено хост-приложению
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"` // Unix timestamp
}

// PeerEventPayload содержит данные о событии, привязанном к пиру
type PeerEventPayload struct {
	PeerID string `json:"peerID"`
}

// CallEventPayload содержит данные о смене состояния звонка
type CallEventPayload struct {
	PeerID   string `json:"peerID"`
	CallID   string `json:"callID"`
	State    string `json:"state"`
	CallType string `json:"callType,omitempty"`
}

// EventManager управляет очередью событий
type EventManager struct {
	eventQueue chan Event
	mu         sync.RWMutex
	running    bool
}

// NewEventManager создает новый менеджер событий
func NewEventManager(queueSize int) *EventManager {
	return &EventManager{
		eventQueue: make(chan Event, queueSize),
		running:    true,
	}
}

// PushEvent добавляет событие в очередь
func (em *EventManager) PushEvent(event Event) error {
	em.mu.RLock()
	defer em.mu.RUnlock()

	if !em.running {
		return fmt.Errorf("EventManager остановлен")
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	select {
	case em.eventQueue <- event:
		return nil
	default:
		return fmt.Errorf("очередь событий переполнена")
	}
}

// GetNextEvent блокирующе получает следующее событие из очереди
func (em *EventManager) GetNextEvent() (Event, error) {
	em.mu.RLock()
	if !em.running {
		em.mu.RUnlock()
		return Event{}, fmt.Errorf("EventManager остановлен")
	}
	em.mu.RUnlock()

	select {
	case event := <-em.eventQueue:
		return event, nil
	case <-time.After(30 * time.Second):
		return Event{}, fmt.Errorf("таймаут ожидания события")
	}
}

// Events отдает канал очереди для select в хост-приложении.
func (em *EventManager) Events() <-chan Event {
	return em.eventQueue
}

// Stop останавливает EventManager
func (em *EventManager) Stop() {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.running {
		em.running = false
		close(em.eventQueue)
	}
}

// QueueSize возвращает текущий размер очереди
func (em *EventManager) QueueSize() int {
	return len(em.eventQueue)
}

// Вспомогательные функции для создания событий

// NewMessageEvent создает событие нового сообщения
func NewMessageEvent(message interface{}) Event {
	return Event{
		Type:      EventTypeNewMessage,
		Payload:   message,
		Timestamp: time.Now().Unix(),
	}
}

// SessionEstablishedEvent создает событие установленной сессии
func SessionEstablishedEvent(peerID string) Event {
	return Event{
		Type:      EventTypeSessionEstablished,
		Payload:   PeerEventPayload{PeerID: peerID},
		Timestamp: time.Now().Unix(),
	}
}

// PresenceUpdateEvent создает событие обновления списка присутствия
func PresenceUpdateEvent(profiles interface{}) Event {
	return Event{
		Type:      EventTypePresenceUpdate,
		Payload:   profiles,
		Timestamp: time.Now().Unix(),
	}
}

// IncomingCallEvent создает событие входящего звонка
func IncomingCallEvent(peerID, callID, callType string) Event {
	return Event{
		Type:      EventTypeIncomingCall,
		Payload:   CallEventPayload{PeerID: peerID, CallID: callID, State: "incoming", CallType: callType},
		Timestamp: time.Now().Unix(),
	}
}

// CallStateChangedEvent создает событие смены состояния звонка
func CallStateChangedEvent(peerID, callID, state string) Event {
	return Event{
		Type:      EventTypeCallStateChanged,
		Payload:   CallEventPayload{PeerID: peerID, CallID: callID, State: state},
		Timestamp: time.Now().Unix(),
	}
}
