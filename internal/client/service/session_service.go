// Путь: internal/client/service/session_service.go
// Package services - прикладные сервисы клиента: рукопожатия, чат,
// звонки и маршрутизация входящих кадров.
package services

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"WaveTalk/internal/client"
	"WaveTalk/internal/client/encryption"
	"WaveTalk/internal/relay"
)

// SessionStateEnum определяет состояние защищенной сессии с пиром.
type SessionStateEnum string

const (
	StateNoSession        SessionStateEnum = "no_session"
	StateAwaitingResponse SessionStateEnum = "awaiting_response" // инициатор отправил ключ и ждет ответа
	StateEstablished      SessionStateEnum = "established"
)

// HandshakePayload - полезная нагрузка рукопожатия на канале relay:payload.
// Чатовые конверты поля type не несут, по нему и различаем.
type HandshakePayload struct {
	Type        string `json:"type"`
	PublicKey   string `json:"publicKey"`
	IsInitiator bool   `json:"isInitiator"`
}

const payloadTypeHandshake = "handshake"

// ISessionService управляет жизненным циклом E2EE-сессий поверх релея.
type ISessionService interface {
	// StartSecureSession начинает рукопожатие с пиром: публикует свой
	// публичный ключ с isInitiator=true.
	StartSecureSession(peerID string) error

	// HandleHandshake обрабатывает входящее рукопожатие (вызывается диспетчером).
	HandleHandshake(from string, payload *HandshakePayload)

	// State возвращает состояние сессии с пиром.
	State(peerID string) SessionStateEnum
}

// sessionService - конкретная реализация ISessionService.
type sessionService struct {
	engine        encryption.ICryptoEngine
	transport     client.IRelayTransport
	onEstablished func(peerID string)

	mu     sync.Mutex
	states map[string]SessionStateEnum
}

// NewSessionService - конструктор. onEstablished дергается после деривации
// ключа (на любой из сторон) и может быть nil.
func NewSessionService(engine encryption.ICryptoEngine, transport client.IRelayTransport, onEstablished func(string)) ISessionService {
	return &sessionService{
		engine:        engine,
		transport:     transport,
		onEstablished: onEstablished,
		states:        make(map[string]SessionStateEnum),
	}
}

func (s *sessionService) State(peerID string) SessionStateEnum {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[peerID]; ok {
		return st
	}
	return StateNoSession
}

func (s *sessionService) StartSecureSession(peerID string) error {
	publicKey, err := s.engine.ExportPublicKey()
	if err != nil {
		return fmt.Errorf("не удалось экспортировать публичный ключ: %w", err)
	}

	// Состояние выставляем до публикации: ответ пира может прийти
	// раньше, чем вернется Publish, и он не должен быть затерт.
	s.mu.Lock()
	s.states[peerID] = StateAwaitingResponse
	s.mu.Unlock()

	if err := s.publishHandshake(peerID, publicKey, true); err != nil {
		s.mu.Lock()
		if s.states[peerID] == StateAwaitingResponse {
			s.states[peerID] = StateNoSession
		}
		s.mu.Unlock()
		return err
	}

	log.Printf("INFO: [SessionService] Рукопожатие с %s начато, ждем ответ.", peerID)
	return nil
}

// HandleHandshake завершает рукопожатие. Получатель деривирует ключ сразу и
// отвечает своим ключом; инициатор деривирует по ответу. При одновременной
// инициации обеих сторон тай-брейк не нужен: ECDH коммутативен, оба
// производных ключа совпадут.
func (s *sessionService) HandleHandshake(from string, payload *HandshakePayload) {
	if payload.PublicKey == "" {
		log.Printf("WARN: [SessionService] Рукопожатие от %s без публичного ключа.", from)
		return
	}

	if err := s.engine.DeriveSession(from, payload.PublicKey); err != nil {
		log.Printf("ERROR: [SessionService] Ошибка деривации ключа для %s: %v", from, err)
		return
	}

	if payload.IsInitiator {
		// Мы получатель: отвечаем своим ключом, сессия уже активна.
		publicKey, err := s.engine.ExportPublicKey()
		if err != nil {
			log.Printf("ERROR: [SessionService] Не удалось экспортировать ключ: %v", err)
			return
		}
		if err := s.publishHandshake(from, publicKey, false); err != nil {
			log.Printf("WARN: [SessionService] Ответ на рукопожатие %s не отправлен: %v", from, err)
		}
	}

	s.mu.Lock()
	s.states[from] = StateEstablished
	s.mu.Unlock()

	role := "инициатор"
	if payload.IsInitiator {
		role = "получатель"
	}
	log.Printf("INFO: [SessionService] Сессия с %s УСТАНОВЛЕНА (%s).", from, role)

	if s.onEstablished != nil {
		s.onEstablished(from)
	}
}

func (s *sessionService) publishHandshake(peerID, publicKey string, isInitiator bool) error {
	raw, err := json.Marshal(HandshakePayload{
		Type:        payloadTypeHandshake,
		PublicKey:   publicKey,
		IsInitiator: isInitiator,
	})
	if err != nil {
		return err
	}
	return s.transport.Publish(relay.EventRelayPayload, relay.RelayEnvelope{
		To:      peerID,
		Payload: raw,
	})
}
