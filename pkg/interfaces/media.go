// Путь: pkg/interfaces/media.go
package interfaces

import "github.com/pion/webrtc/v4"

// Типы звонков.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// IMediaProvider абстрагирует доступ к микрофону/камере. Реализация живет
// на стороне хоста; ядро лишь запрашивает треки при старте звонка. Отказ
// в доступе должен возвращать ошибку, оборачивающую errs.ErrMediaAccess -
// тогда звонок прерывается до отправки какого-либо сигнала пиру.
type IMediaProvider interface {
	// AcquireTracks выдает локальные треки для звонка указанного типа и
	// функцию освобождения устройств. Release обязана быть безопасной
	// для повторного вызова.
	AcquireTracks(callType string) (tracks []webrtc.TrackLocal, release func(), err error)
}
