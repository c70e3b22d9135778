// Путь: internal/relay/server_test.go
package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testServer поднимает релей на httptest и отдает websocket-URL.
func testServer(t *testing.T) (string, *Registry) {
	t.Helper()

	registry := NewRegistry()
	server := NewServer(registry, zap.NewNop())
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http"), registry
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	frame, err := EncodeFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func join(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	send(t, conn, EventPresenceJoin, Profile{ID: id, Name: id})
}

// readFrame читает один кадр с дедлайном.
func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	return frame
}

// waitPresence читает кадры, пока не придет presence:list c нужным числом
// участников.
func waitPresence(t *testing.T, conn *websocket.Conn, count int) []Profile {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Event != EventPresenceList {
			continue
		}
		profiles := []Profile{}
		require.NoError(t, json.Unmarshal(frame.Data, &profiles))
		if len(profiles) == count {
			return profiles
		}
	}
	t.Fatalf("presence:list с %d участниками не пришел", count)
	return nil
}

func TestJoinBroadcastsPresence(t *testing.T) {
	url, registry := testServer(t)

	alice := dial(t, url)
	join(t, alice, "alice")
	profiles := waitPresence(t, alice, 1)
	assert.Equal(t, "alice", profiles[0].ID)

	bob := dial(t, url)
	join(t, bob, "bob")

	// Оба видят обоих.
	waitPresence(t, alice, 2)
	waitPresence(t, bob, 2)
	assert.Equal(t, 2, registry.Len())
}

// TestPresenceIdempotence: повторный join с тем же id дает ровно одну
// запись, доставку получает второй сокет.
func TestPresenceIdempotence(t *testing.T) {
	url, registry := testServer(t)

	first := dial(t, url)
	join(t, first, "alice")
	waitPresence(t, first, 1)

	second := dial(t, url)
	join(t, second, "alice")
	waitPresence(t, second, 1)
	require.Equal(t, 1, registry.Len())

	// Сообщение для alice приходит на второй сокет.
	bob := dial(t, url)
	join(t, bob, "bob")
	waitPresence(t, bob, 2)
	waitPresence(t, second, 2)

	send(t, bob, EventRelayPayload, RelayEnvelope{To: "alice", Payload: json.RawMessage(`{"x":1}`)})

	frame := readUntil(t, second, EventRelayPayload)
	env := RelayEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.Equal(t, "bob", env.From)
}

// TestRejoinWithNewIDUnbindsOld: повторный join того же сокета под другим id
// снимает старую привязку - запись-призрак не остается ни в реестре, ни в
// списке присутствия, и исчезает вместе с соединением.
func TestRejoinWithNewIDUnbindsOld(t *testing.T) {
	url, registry := testServer(t)

	conn := dial(t, url)
	join(t, conn, "a")
	waitPresence(t, conn, 1)

	join(t, conn, "b")
	profiles := waitPresence(t, conn, 1)
	assert.Equal(t, "b", profiles[0].ID)
	require.Equal(t, 1, registry.Len())

	// Старый id больше не маршрутизируется, новый - работает.
	bob := dial(t, url)
	join(t, bob, "bob")
	waitPresence(t, bob, 2)
	send(t, bob, EventRelayPayload, RelayEnvelope{To: "a", Payload: json.RawMessage(`{"stale":1}`)})
	send(t, bob, EventRelayPayload, RelayEnvelope{To: "b", Payload: json.RawMessage(`{"fresh":1}`)})

	frame := readUntil(t, conn, EventRelayPayload)
	env := RelayEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.JSONEq(t, `{"fresh":1}`, string(env.Payload))

	// Разрыв убирает единственную привязку соединения.
	conn.Close()
	waitPresence(t, bob, 1)
	assert.Equal(t, 1, registry.Len())
}

// TestRelayStampsFrom: сервер проставляет from из привязки, а не со слов
// отправителя.
func TestRelayStampsFrom(t *testing.T) {
	url, _ := testServer(t)

	alice := dial(t, url)
	join(t, alice, "alice")
	waitPresence(t, alice, 1)

	bob := dial(t, url)
	join(t, bob, "bob")
	waitPresence(t, bob, 2)

	// bob пытается прикинуться кем-то другим.
	send(t, bob, EventRelayPayload, RelayEnvelope{To: "alice", From: "mallory", Payload: json.RawMessage(`{"m":1}`)})

	frame := readUntil(t, alice, EventRelayPayload)
	env := RelayEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.Equal(t, "bob", env.From)
	assert.JSONEq(t, `{"m":1}`, string(env.Payload))
}

// TestDropOnAbsence: сообщение несуществующему адресату молча дропается,
// сервер продолжает обслуживать остальных.
func TestDropOnAbsence(t *testing.T) {
	url, _ := testServer(t)

	alice := dial(t, url)
	join(t, alice, "alice")
	waitPresence(t, alice, 1)

	bob := dial(t, url)
	join(t, bob, "bob")
	waitPresence(t, bob, 2)

	send(t, alice, EventRelayPayload, RelayEnvelope{To: "ghost", Payload: json.RawMessage(`{"x":1}`)})

	// Сервер жив: обычная маршрутизация работает после дропа.
	send(t, alice, EventRelayPayload, RelayEnvelope{To: "bob", Payload: json.RawMessage(`{"ok":true}`)})
	frame := readUntil(t, bob, EventRelayPayload)
	env := RelayEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.JSONEq(t, `{"ok":true}`, string(env.Payload))
}

// TestSignalExchangeRouting: сигнализация ходит по своему каналу с теми же
// правилами маршрутизации.
func TestSignalExchangeRouting(t *testing.T) {
	url, _ := testServer(t)

	alice := dial(t, url)
	join(t, alice, "alice")
	waitPresence(t, alice, 1)

	bob := dial(t, url)
	join(t, bob, "bob")
	waitPresence(t, bob, 2)

	send(t, alice, EventSignalExchange, SignalEnvelope{To: "bob", Type: SignalOffer, Signal: json.RawMessage(`{"sdp":"v=0","callType":"audio"}`)})

	frame := readUntil(t, bob, EventSignalExchange)
	env := SignalEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.Equal(t, "alice", env.From)
	assert.Equal(t, SignalOffer, env.Type)
}

// TestDisconnectCleansRegistry: после разрыва запись удалена, адресованные
// сообщения дропаются, следующий presence:list без ушедшего.
func TestDisconnectCleansRegistry(t *testing.T) {
	url, registry := testServer(t)

	alice := dial(t, url)
	join(t, alice, "alice")
	waitPresence(t, alice, 1)

	bob := dial(t, url)
	join(t, bob, "bob")
	waitPresence(t, bob, 2)

	alice.Close()

	// bob получает обновленный список без alice.
	profiles := waitPresence(t, bob, 1)
	assert.Equal(t, "bob", profiles[0].ID)
	assert.Equal(t, 1, registry.Len())

	// Сообщение ушедшей alice молча дропается, сервер жив.
	send(t, bob, EventRelayPayload, RelayEnvelope{To: "alice", Payload: json.RawMessage(`{"x":1}`)})
	send(t, bob, EventRelayPayload, RelayEnvelope{To: "bob", Payload: json.RawMessage(`{"self":1}`)})
	frame := readUntil(t, bob, EventRelayPayload)
	env := RelayEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.JSONEq(t, `{"self":1}`, string(env.Payload))
}

// TestUnboundSenderIgnored: кадры до presence:join не маршрутизируются.
func TestUnboundSenderIgnored(t *testing.T) {
	url, _ := testServer(t)

	alice := dial(t, url)
	join(t, alice, "alice")
	waitPresence(t, alice, 1)

	stranger := dial(t, url)
	send(t, stranger, EventRelayPayload, RelayEnvelope{To: "alice", Payload: json.RawMessage(`{"x":1}`)})

	// alice ничего не получает - проверяем, что следующий кадр ей
	// приходит только от легитимного участника.
	bob := dial(t, url)
	join(t, bob, "bob")
	waitPresence(t, bob, 2)
	send(t, bob, EventRelayPayload, RelayEnvelope{To: "alice", Payload: json.RawMessage(`{"legit":1}`)})

	frame := readUntil(t, alice, EventRelayPayload)
	env := RelayEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.Equal(t, "bob", env.From)
}

// readUntil пропускает кадры других событий (например presence:list).
func readUntil(t *testing.T, conn *websocket.Conn, event string) *Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Event == event {
			return frame
		}
	}
	t.Fatalf("кадр %s не пришел", event)
	return nil
}
