// Путь: internal/relay/server.go
package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024 // голосовые заметки в base64 бывают крупными
	sendBufferSize = 64
)

// client - одно websocket-соединение. Состояние: сначала не привязано,
// после presence:join привязано к profile.ID, после разрыва - удалено.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	profile Profile
	bound   bool
}

// Server пересылает адресованные сообщения между подключенными пирами и
// ведет реестр присутствия. Никакой прикладной семантики: содержимое
// payload'ов сервер не читает и не расшифровывает.
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewServer создает сервер с внедренным реестром.
func NewServer(registry *Registry, log *zap.Logger) *Server {
	return &Server{
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Принимаем соединения с любого origin (зеркалим поведение
			// исходной системы; ужесточение - отдельное решение).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP апгрейдит HTTP-запрос до websocket и запускает обе помпы.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("не удалось апгрейдить соединение", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	go s.writePump(c)
	s.readPump(c)
}

// readPump читает кадры соединения до разрыва. Обработчики синхронные и
// короткие: единственная мутация состояния - атомарная операция над реестром.
func (s *Server) readPump(c *client) {
	defer func() {
		s.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			s.log.Debug("кадр отклонен", zap.Error(err))
			continue
		}

		switch frame.Event {
		case EventPresenceJoin:
			s.handleJoin(c, frame)
		case EventRelayPayload:
			s.handleRelayPayload(c, frame)
		case EventSignalExchange:
			s.handleSignal(c, frame)
		default:
			s.log.Debug("неизвестное событие", zap.String("event", frame.Event))
		}
	}
}

// writePump сериализует запись в сокет из канала send.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue кладет кадр в буфер отправки. Если буфер клиента полон,
// кадр дропается: доставка у нас best-effort.
func (s *Server) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		s.log.Debug("буфер отправки полон, кадр отброшен",
			zap.String("to", c.profile.ID))
	}
}

// handleJoin привязывает соединение к profile.ID и рассылает всем
// обновленный список присутствия.
func (s *Server) handleJoin(c *client, frame *Frame) {
	profile, err := DecodeProfile(frame.Data)
	if err != nil {
		s.log.Debug("presence:join отклонен", zap.Error(err))
		return
	}

	// Повторный join этого соединения (в том числе под другим id): сначала
	// снимаем прежнюю привязку. Пока соединение недостижимо из реестра,
	// запись в profile не гонится с чтениями из Snapshot, и соединение
	// никогда не числится под двумя id сразу.
	if c.bound {
		s.registry.Unbind(c.profile.ID, c)
	}

	c.profile = *profile
	c.bound = true

	if displaced := s.registry.Bind(profile.ID, c); displaced != nil {
		// Старая вкладка того же пользователя: привязку уже забрал новый
		// сокет, старый просто закрываем без уведомления.
		s.log.Info("повторный join вытеснил старое соединение",
			zap.String("user", profile.ID))
		displaced.conn.Close()
	}

	s.log.Info("участник подключился",
		zap.String("user", profile.ID),
		zap.Int("online", s.registry.Len()))
	s.broadcastPresence()
}

// handleRelayPayload слепо пересылает адресованный payload. Непривязанные
// отправители игнорируются, отсутствующие адресаты - молчаливый дроп
// (fire-and-forget, никакого ack отправителю).
func (s *Server) handleRelayPayload(c *client, frame *Frame) {
	if !c.bound {
		return
	}

	env, err := DecodeRelayEnvelope(frame.Data)
	if err != nil {
		s.log.Debug("relay:payload отклонен", zap.Error(err))
		return
	}

	target, ok := s.registry.Lookup(env.To)
	if !ok {
		return
	}

	out, err := EncodeFrame(EventRelayPayload, RelayEnvelope{
		From:    c.profile.ID,
		Payload: env.Payload,
	})
	if err != nil {
		return
	}
	s.enqueue(target, out)
}

// handleSignal - те же правила маршрутизации, что и relay:payload, но на
// отдельном логическом канале для сигнализации звонков.
func (s *Server) handleSignal(c *client, frame *Frame) {
	if !c.bound {
		return
	}

	env, err := DecodeSignalEnvelope(frame.Data)
	if err != nil {
		s.log.Debug("signal:exchange отклонен", zap.Error(err))
		return
	}

	target, ok := s.registry.Lookup(env.To)
	if !ok {
		return
	}

	out, err := EncodeFrame(EventSignalExchange, SignalEnvelope{
		From:   c.profile.ID,
		Type:   env.Type,
		Signal: env.Signal,
	})
	if err != nil {
		return
	}
	s.enqueue(target, out)
}

// disconnect снимает привязку соединения и рассылает обновленное присутствие.
// Крах процесса эквивалентен одновременному disconnect всех участников -
// для эфемерной системы это корректное поведение, восстанавливать нечего.
func (s *Server) disconnect(c *client) {
	if !c.bound {
		return
	}
	if s.registry.Unbind(c.profile.ID, c) {
		s.log.Info("участник отключился", zap.String("user", c.profile.ID))
		s.broadcastPresence()
	}
}

// broadcastPresence рассылает полный список профилей каждому участнику.
func (s *Server) broadcastPresence() {
	snapshot := s.registry.Snapshot()
	out, err := EncodeFrame(EventPresenceList, snapshot)
	if err != nil {
		return
	}
	for _, c := range s.registry.All() {
		s.enqueue(c, out)
	}
}
