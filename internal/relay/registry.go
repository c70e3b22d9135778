// Путь: internal/relay/registry.go
package relay

import "sync"

// Registry - реестр присутствия: userID -> живое соединение. Единственное
// разделяемое состояние сервера, живет только в памяти процесса. Никаких
// глобальных переменных - реестр внедряется в Server явно, чтобы его можно
// было тестировать без сети.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*client),
	}
}

// Bind привязывает соединение к userID. Повторный join с тем же ID молча
// вытесняет старую привязку (last-bind-wins - так вторая вкладка забирает
// доставку себе). Возвращает вытесненное соединение, если оно было.
func (r *Registry) Bind(id string, c *client) *client {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced := r.clients[id]
	if displaced == c {
		displaced = nil
	}
	r.clients[id] = c
	return displaced
}

// Unbind удаляет привязку, но только если она все еще указывает на это
// соединение. Иначе закрывающийся вытесненный сокет снес бы привязку
// своего сменщика.
func (r *Registry) Unbind(id string, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.clients[id]; ok && current == c {
		delete(r.clients, id)
		return true
	}
	return false
}

// Lookup находит соединение адресата.
func (r *Registry) Lookup(id string) (*client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// Snapshot возвращает срез профилей всех подключенных участников
// для широковещательной рассылки presence:list.
func (r *Registry) Snapshot() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Profile, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.profile)
	}
	return out
}

// All возвращает все живые соединения для fan-out рассылки. O(n) по числу
// участников - приемлемо при ожидаемом малом масштабе.
func (r *Registry) All() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Len возвращает число привязанных участников.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
