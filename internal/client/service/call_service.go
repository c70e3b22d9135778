// Путь: internal/client/service/call_service.go
package services

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"WaveTalk/internal/client"
	"WaveTalk/internal/core"
	"WaveTalk/internal/errs"
	"WaveTalk/internal/relay"
	"WaveTalk/pkg/interfaces"
)

type CallState string

const (
	CallStateIdle     CallState = "Idle"
	CallStateDialing  CallState = "Dialing"
	CallStateIncoming CallState = "Incoming"
	CallStateActive   CallState = "Active"
)

// OfferSignal / AnswerSignal / CandidateSignal - полезные нагрузки
// signal:exchange. Сам медиапоток идет напрямую между пирами, релей
// участвует только в обмене SDP и кандидатами.
type OfferSignal struct {
	CallID   string `json:"callId"`
	SDP      string `json:"sdp"`
	CallType string `json:"callType"`
}

type AnswerSignal struct {
	CallID string `json:"callId"`
	SDP    string `json:"sdp"`
}

type CandidateSignal struct {
	CallID    string                  `json:"callId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// IncomingCallData - данные входящего звонка до принятия/отклонения.
type IncomingCallData struct {
	SenderID string
	CallID   string
	CallType string
	Offer    OfferSignal
}

// CallService управляет логикой WebRTC-звонков поверх канала signal:exchange.
type CallService struct {
	transport client.IRelayTransport
	media     interfaces.IMediaProvider
	events    *core.EventManager

	webrtcAPI    *webrtc.API
	webrtcConfig webrtc.Configuration

	// --- Состояние звонка ---
	pcMutex        sync.Mutex
	peerConnection *webrtc.PeerConnection
	releaseMedia   func()

	stateMutex          sync.Mutex
	currentState        CallState
	currentTargetPeerID string
	currentCallID       string
	incomingCall        *IncomingCallData

	// Кандидаты, пришедшие до установки remote description (ICE trickle:
	// порядок относительно offer/answer не гарантирован).
	pendingCandidates map[string][]webrtc.ICECandidateInit
}

// NewCallService - конструктор.
func NewCallService(transport client.IRelayTransport, media interfaces.IMediaProvider, events *core.EventManager) *CallService {
	return &CallService{
		transport:    transport,
		media:        media,
		events:       events,
		webrtcAPI:    webrtc.NewAPI(),
		webrtcConfig: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		currentState:      CallStateIdle,
		pendingCandidates: make(map[string][]webrtc.ICECandidateInit),
	}
}

// State возвращает текущее состояние звонка.
func (cs *CallService) State() CallState {
	cs.stateMutex.Lock()
	defer cs.stateMutex.Unlock()
	return cs.currentState
}

// ================================================================= //
//                      ПУБЛИЧНЫЕ МЕТОДЫ (API для UI)                //
// ================================================================= //

// InitiateCall начинает звонок пиру. Если медиаустройства недоступны,
// завершается errs.ErrMediaAccess БЕЗ отправки сигнала: пир вообще не
// узнает о попытке.
func (cs *CallService) InitiateCall(recipientID, callType string) error {
	cs.stateMutex.Lock()
	if cs.currentState != CallStateIdle {
		state := cs.currentState
		cs.stateMutex.Unlock()
		return fmt.Errorf("статус не Idle: %s", state)
	}
	cs.stateMutex.Unlock()

	tracks, release, err := cs.media.AcquireTracks(callType)
	if err != nil {
		return fmt.Errorf("медиаустройства недоступны: %w", errs.ErrMediaAccess)
	}

	callID := uuid.New().String()

	pc, err := cs.newPeerConnection(recipientID, callID, tracks)
	if err != nil {
		release()
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		release()
		pc.Close()
		return err
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		release()
		pc.Close()
		return err
	}

	cs.pcMutex.Lock()
	cs.peerConnection = pc
	cs.releaseMedia = release
	cs.pcMutex.Unlock()

	cs.stateMutex.Lock()
	cs.currentTargetPeerID = recipientID
	cs.currentCallID = callID
	cs.currentState = CallStateDialing
	cs.stateMutex.Unlock()

	log.Printf("INFO: [CallService] Отправляем Offer (CallID: %s)...", callID)
	if err := cs.publishSignal(recipientID, relay.SignalOffer, OfferSignal{
		CallID:   callID,
		SDP:      offer.SDP,
		CallType: callType,
	}); err != nil {
		cs.HangupCall()
		return err
	}

	cs.events.PushEvent(core.CallStateChangedEvent(recipientID, callID, string(CallStateDialing)))
	return nil
}

// AcceptCall принимает входящий звонок.
func (cs *CallService) AcceptCall() error {
	cs.stateMutex.Lock()
	if cs.currentState != CallStateIncoming || cs.incomingCall == nil {
		cs.stateMutex.Unlock()
		return fmt.Errorf("нет входящего звонка")
	}
	incoming := cs.incomingCall
	cs.incomingCall = nil
	cs.stateMutex.Unlock()

	tracks, release, err := cs.media.AcquireTracks(incoming.CallType)
	if err != nil {
		cs.resetToIdle()
		cs.publishSignal(incoming.SenderID, relay.SignalHangup, struct{}{})
		return fmt.Errorf("медиаустройства недоступны: %w", errs.ErrMediaAccess)
	}

	pc, err := cs.newPeerConnection(incoming.SenderID, incoming.CallID, tracks)
	if err != nil {
		release()
		return err
	}

	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  incoming.Offer.SDP,
	}); err != nil {
		release()
		pc.Close()
		return err
	}

	cs.pcMutex.Lock()
	cs.peerConnection = pc
	cs.releaseMedia = release
	cs.applyPendingCandidatesLocked(incoming.SenderID)
	cs.pcMutex.Unlock()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		cs.HangupCall()
		return err
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		cs.HangupCall()
		return err
	}

	cs.stateMutex.Lock()
	cs.currentTargetPeerID = incoming.SenderID
	cs.currentCallID = incoming.CallID
	cs.currentState = CallStateActive
	cs.stateMutex.Unlock()

	log.Printf("INFO: [CallService] Отправляем Answer (CallID: %s)...", incoming.CallID)
	if err := cs.publishSignal(incoming.SenderID, relay.SignalAnswer, AnswerSignal{
		CallID: incoming.CallID,
		SDP:    answer.SDP,
	}); err != nil {
		cs.HangupCall()
		return err
	}

	cs.events.PushEvent(core.CallStateChangedEvent(incoming.SenderID, incoming.CallID, string(CallStateActive)))
	return nil
}

// RejectCall отклоняет входящий звонок и шлет пиру hangup.
func (cs *CallService) RejectCall() error {
	cs.stateMutex.Lock()
	if cs.currentState != CallStateIncoming || cs.incomingCall == nil {
		cs.stateMutex.Unlock()
		return fmt.Errorf("нет входящего звонка")
	}
	senderID := cs.incomingCall.SenderID
	cs.stateMutex.Unlock()

	cs.publishSignal(senderID, relay.SignalHangup, struct{}{})
	cs.resetToIdle()
	return nil
}

// HangupCall завершает звонок из любого состояния. Идемпотентен: безопасно
// вызывать и из Idle. Треки и peer connection освобождаются безусловно.
func (cs *CallService) HangupCall() error {
	cs.stateMutex.Lock()
	target := cs.currentTargetPeerID
	cs.stateMutex.Unlock()

	if target != "" {
		cs.publishSignal(target, relay.SignalHangup, struct{}{})
	}

	cs.resetToIdle()
	log.Println("INFO: [CallService] Звонок завершен/отклонен.")
	return nil
}

// ================================================================= //
//                ОБРАБОТЧИКИ ВХОДЯЩИХ СИГНАЛОВ (диспетчер)           //
// ================================================================= //

// HandleOffer - входящий SDP offer.
func (cs *CallService) HandleOffer(from string, signal json.RawMessage) {
	offer := OfferSignal{}
	if err := json.Unmarshal(signal, &offer); err != nil {
		log.Printf("WARN: [CallService] Нечитаемый offer от %s: %v", from, err)
		return
	}

	cs.stateMutex.Lock()
	if cs.currentState != CallStateIdle {
		cs.stateMutex.Unlock()
		// Уже в звонке - молча игнорируем, у звонящего нет таймаута на
		// базовом дизайне, он отвалится по hangup пользователя.
		log.Printf("WARN: [CallService] Offer от %s во время звонка, игнор.", from)
		return
	}
	callType := offer.CallType
	if callType == "" {
		callType = interfaces.CallTypeAudio
	}
	cs.incomingCall = &IncomingCallData{
		SenderID: from,
		CallID:   offer.CallID,
		CallType: callType,
		Offer:    offer,
	}
	cs.currentState = CallStateIncoming
	cs.stateMutex.Unlock()

	log.Printf("INFO: [CallService] Входящий %s-звонок от %s (CallID: %s)", callType, from, offer.CallID)
	cs.events.PushEvent(core.IncomingCallEvent(from, offer.CallID, callType))
}

// HandleAnswer - пир принял наш offer.
func (cs *CallService) HandleAnswer(from string, signal json.RawMessage) {
	answer := AnswerSignal{}
	if err := json.Unmarshal(signal, &answer); err != nil {
		log.Printf("WARN: [CallService] Нечитаемый answer от %s: %v", from, err)
		return
	}

	cs.stateMutex.Lock()
	if cs.currentState != CallStateDialing || cs.currentTargetPeerID != from {
		cs.stateMutex.Unlock()
		log.Printf("WARN: [CallService] Неожиданный answer от %s, игнор.", from)
		return
	}
	callID := cs.currentCallID
	cs.stateMutex.Unlock()

	cs.pcMutex.Lock()
	pc := cs.peerConnection
	if pc == nil {
		cs.pcMutex.Unlock()
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		cs.pcMutex.Unlock()
		log.Printf("ERROR: [CallService] SetRemoteDescription(answer): %v", err)
		cs.HangupCall()
		return
	}
	cs.applyPendingCandidatesLocked(from)
	cs.pcMutex.Unlock()

	cs.stateMutex.Lock()
	cs.currentState = CallStateActive
	cs.stateMutex.Unlock()

	log.Printf("INFO: [CallService] Звонок %s АКТИВЕН.", callID)
	cs.events.PushEvent(core.CallStateChangedEvent(from, callID, string(CallStateActive)))
}

// HandleCandidate - ICE-кандидат пира. Может прийти и до answer (trickle),
// тогда буферизуется до установки remote description.
func (cs *CallService) HandleCandidate(from string, signal json.RawMessage) {
	candidate := CandidateSignal{}
	if err := json.Unmarshal(signal, &candidate); err != nil {
		log.Printf("WARN: [CallService] Нечитаемый candidate от %s: %v", from, err)
		return
	}

	cs.pcMutex.Lock()
	defer cs.pcMutex.Unlock()

	pc := cs.peerConnection
	if pc == nil || pc.RemoteDescription() == nil {
		cs.pendingCandidates[from] = append(cs.pendingCandidates[from], candidate.Candidate)
		return
	}
	if err := pc.AddICECandidate(candidate.Candidate); err != nil {
		log.Printf("WARN: [CallService] AddICECandidate от %s: %v", from, err)
	}
}

// HandleHangup - пир повесил трубку.
func (cs *CallService) HandleHangup(from string) {
	cs.stateMutex.Lock()
	known := cs.currentTargetPeerID == from ||
		(cs.incomingCall != nil && cs.incomingCall.SenderID == from)
	callID := cs.currentCallID
	cs.stateMutex.Unlock()

	if !known {
		return
	}

	log.Printf("INFO: [CallService] Пир %s завершил звонок.", from)
	cs.resetToIdle()
	cs.events.PushEvent(core.CallStateChangedEvent(from, callID, string(CallStateIdle)))
}

// ================================================================= //
//                           ВНУТРЕННЕЕ                               //
// ================================================================= //

func (cs *CallService) newPeerConnection(peerID, callID string, tracks []webrtc.TrackLocal) (*webrtc.PeerConnection, error) {
	pc, err := cs.webrtcAPI.NewPeerConnection(cs.webrtcConfig)
	if err != nil {
		return nil, err
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cs.publishSignal(peerID, relay.SignalCandidate, CandidateSignal{
			CallID:    callID,
			Candidate: c.ToJSON(),
		})
	})

	return pc, nil
}

// applyPendingCandidatesLocked сбрасывает буфер кандидатов в peer connection.
// Вызывается под pcMutex после установки remote description.
func (cs *CallService) applyPendingCandidatesLocked(peerID string) {
	for _, candidate := range cs.pendingCandidates[peerID] {
		if err := cs.peerConnection.AddICECandidate(candidate); err != nil {
			log.Printf("WARN: [CallService] Отложенный кандидат от %s: %v", peerID, err)
		}
	}
	delete(cs.pendingCandidates, peerID)
}

// resetToIdle безусловно освобождает ресурсы звонка. Закрытие соединения и
// остановка треков не ожидаются, но вызываются всегда.
func (cs *CallService) resetToIdle() {
	cs.pcMutex.Lock()
	if cs.peerConnection != nil {
		cs.peerConnection.Close()
		cs.peerConnection = nil
	}
	if cs.releaseMedia != nil {
		cs.releaseMedia()
		cs.releaseMedia = nil
	}
	// Буфер кандидатов принадлежит завершившемуся звонку - в следующий
	// peer connection он попасть не должен.
	cs.pendingCandidates = make(map[string][]webrtc.ICECandidateInit)
	cs.pcMutex.Unlock()

	cs.stateMutex.Lock()
	cs.currentState = CallStateIdle
	cs.currentTargetPeerID = ""
	cs.currentCallID = ""
	cs.incomingCall = nil
	cs.stateMutex.Unlock()
}

func (cs *CallService) publishSignal(peerID, signalType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return cs.transport.Publish(relay.EventSignalExchange, relay.SignalEnvelope{
		To:     peerID,
		Type:   signalType,
		Signal: raw,
	})
}
