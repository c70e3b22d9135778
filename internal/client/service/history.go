// Путь: internal/client/service/history.go
package services

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Политика эфемерности истории: тяжелые вложения не переживают короткое
// окно даже в памяти, текст живет не дольше часа.
const (
	mediaTTL   = 10 * time.Second
	historyTTL = time.Hour

	deletedPlaceholder = "[вложение удалено]"
)

// ChatMessage - логическое сообщение чата. Существует только в памяти
// клиента: ни одно поле никогда не пишется на диск или сервер.
type ChatMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"` // id пира-собеседника
	SenderID    string    `json:"senderId"`
	Text        string    `json:"text,omitempty"`
	AudioBase64 string    `json:"audioBase64,omitempty"`
	Image       string    `json:"image,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Read        bool      `json:"read"`
}

// HistoryStore - эфемерный буфер истории по пирам с двухуровневым
// вытеснением, применяемым на каждом чтении:
//   - сообщения старше часа выбрасываются целиком;
//   - у сообщений возрастом 10 секунд - 1 час вычищаются image/audio,
//     текст заменяется заглушкой, сам факт сообщения и timestamp остаются.
type HistoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	messages map[string][]ChatMessage
}

// NewHistoryStore - конструктор. Часы внедряются, чтобы TTL можно было
// тестировать без реального ожидания.
func NewHistoryStore(clk clock.Clock) *HistoryStore {
	return &HistoryStore{
		clock:    clk,
		messages: make(map[string][]ChatMessage),
	}
}

// Append добавляет сообщение в историю пира.
func (h *HistoryStore) Append(msg ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[msg.SessionID] = append(h.messages[msg.SessionID], msg)
}

// Get возвращает историю пира с примененной политикой вытеснения.
func (h *HistoryStore) Get(peerID string) []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	kept := h.messages[peerID][:0]
	out := make([]ChatMessage, 0, len(h.messages[peerID]))

	for _, msg := range h.messages[peerID] {
		age := now.Sub(msg.Timestamp)
		if age >= historyTTL {
			continue
		}
		if age >= mediaTTL && (msg.AudioBase64 != "" || msg.Image != "") {
			msg.AudioBase64 = ""
			msg.Image = ""
			msg.Text = deletedPlaceholder
		}
		kept = append(kept, msg)
		out = append(out, msg)
	}

	h.messages[peerID] = kept
	return out
}

// MarkRead отмечает все сообщения пира прочитанными.
func (h *HistoryStore) MarkRead(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.messages[peerID] {
		h.messages[peerID][i].Read = true
	}
}
