// Путь: pkg/interfaces/host.go
// Package interfaces описывает границу между ядром и хост-приложением
// (радиоплеером). Ядро не лезет в каталог станций, DSP-граф и хранилище
// настроек - оно получает от хоста только эти узкие ручки.
package interfaces

// UserProfile - профиль, который хост передает ядру при подключении.
// Идентичность эфемерная: новый сеанс браузера - новый id, ядро ничего
// не сохраняет сверх собственного состояния в памяти.
type UserProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Station string `json:"station,omitempty"`
}

// AnalyserHandle - непрозрачная ручка анализатора аудио, прокидываемая
// в мини-визуализатор чат-панели. Ядро ее не интерпретирует.
type AnalyserHandle interface{}

// IStationInfo - то немногое, что ядру нужно знать о радиоплеере:
// отображаемая строка текущей станции и ручка анализатора.
type IStationInfo interface {
	CurrentStation() string
	Analyser() AnalyserHandle
}

// PlaybackControls - колбэки управления воспроизведением, которые хост
// отдает ядру для кнопок в чат-панели. Ядро их только вызывает.
type PlaybackControls struct {
	Play     func()
	Pause    func()
	Next     func()
	Previous func()
}
