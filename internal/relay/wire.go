// Путь: internal/relay/wire.go
// Package relay реализует сервер-ретранслятор: учет присутствия и слепую
// пересылку адресованных сообщений. Сервер никогда не заглядывает внутрь
// зашифрованных payload'ов и не хранит ничего на диске.
package relay

import (
	"encoding/json"
	"fmt"
)

// Имена логических каналов поверх одного websocket-соединения.
const (
	EventPresenceJoin   = "presence:join"
	EventPresenceList   = "presence:list"
	EventRelayPayload   = "relay:payload"
	EventSignalExchange = "signal:exchange"
)

// Frame - внешний конверт любого сообщения на проводе.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Profile - публичный профиль участника. ID генерируется клиентом
// (например guest_<timestamp>) и нигде не аутентифицируется.
type Profile struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Station string `json:"station,omitempty"`
}

// RelayEnvelope - адресованный непрозрачный payload (зашифрованный чат или
// рукопожатие). Исходящий несет To, входящий - From, проставленный сервером.
type RelayEnvelope struct {
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SignalEnvelope - сообщение сигнализации звонка (offer/answer/candidate/hangup).
// Отдельный канал, чтобы сигнализация не смешивалась с чатом.
type SignalEnvelope struct {
	To     string          `json:"to,omitempty"`
	From   string          `json:"from,omitempty"`
	Type   string          `json:"type"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// Типы сигналов внутри SignalEnvelope.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	SignalHangup    = "hangup"
)

// EncodeFrame собирает готовый к отправке кадр.
func EncodeFrame(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации data для %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame разбирает внешний конверт. Кадры без имени события отклоняются,
// доверять форме с провода нельзя.
func DecodeFrame(raw []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("ошибка десериализации Frame: %w", err)
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("кадр без события")
	}
	return frame, nil
}

// DecodeProfile валидирует presence:join. Пустой ID недопустим - без него
// соединение невозможно привязать в реестре.
func DecodeProfile(data json.RawMessage) (*Profile, error) {
	profile := &Profile{}
	if err := json.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("ошибка десериализации Profile: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("profile.id обязателен")
	}
	return profile, nil
}

// DecodeRelayEnvelope валидирует исходящий relay:payload.
func DecodeRelayEnvelope(data json.RawMessage) (*RelayEnvelope, error) {
	env := &RelayEnvelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("ошибка десериализации RelayEnvelope: %w", err)
	}
	if env.To == "" {
		return nil, fmt.Errorf("relay:payload без адресата")
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("relay:payload без payload")
	}
	return env, nil
}

// DecodeSignalEnvelope валидирует исходящий signal:exchange.
func DecodeSignalEnvelope(data json.RawMessage) (*SignalEnvelope, error) {
	env := &SignalEnvelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("ошибка десериализации SignalEnvelope: %w", err)
	}
	if env.To == "" {
		return nil, fmt.Errorf("signal:exchange без адресата")
	}
	if env.Type == "" {
		return nil, fmt.Errorf("signal:exchange без типа сигнала")
	}
	return env, nil
}
