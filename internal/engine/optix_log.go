//go:build linux && optix

package engine

import "C"
import (
	"unsafe"

	"github.com/23skdu/longbow-denoise/internal/logger"
)

// goOptixLog receives engine log messages. data carries the device ordinal.
//
//export goOptixLog
func goOptixLog(level C.uint, tag *C.char, message *C.char, data unsafe.Pointer) {
	l := logger.Log.Component("optix").With("device", int(uintptr(data)))
	msg := C.GoString(message)
	kv := []interface{}{"tag", C.GoString(tag), "level", int(level)}
	switch level {
	case 1, 2:
		l.Error(msg, kv...)
	case 3:
		l.Warn(msg, kv...)
	default:
		l.Debug(msg, kv...)
	}
}
