package protocol

// MessageKind classifies every wire type the hub knows how to serve.
// Unknown wire input maps to KindUnknown instead of failing, so a bad
// client can never crash a dispatcher.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindPing
	KindAIChat
	KindAIComplete
	KindScreenshotCapture
	KindFileRead
	KindFileWrite
	KindFileList
	KindVoiceStart
	KindVoiceStop
	KindSystemInfo
	KindSystemExec
	KindContentExtract
	KindClipboardRead
	KindClipboardWrite
	KindSettingsGet
)

var kindByType = map[string]MessageKind{
	"ping":               KindPing,
	"ai.chat":            KindAIChat,
	"ai.complete":        KindAIComplete,
	"screenshot.capture": KindScreenshotCapture,
	"file.read":          KindFileRead,
	"file.write":         KindFileWrite,
	"file.list":          KindFileList,
	"voice.start":        KindVoiceStart,
	"voice.stop":         KindVoiceStop,
	"system.info":        KindSystemInfo,
	"system.exec":        KindSystemExec,
	"content.extract":    KindContentExtract,
	"clipboard.read":     KindClipboardRead,
	"clipboard.write":    KindClipboardWrite,
	"settings.get":       KindSettingsGet,
}

var typeByKind = func() map[MessageKind]string {
	out := make(map[MessageKind]string, len(kindByType))
	for typ, kind := range kindByType {
		out[kind] = typ
	}
	return out
}()

// KindOf maps a wire type string onto its kind, KindUnknown otherwise.
func KindOf(wireType string) MessageKind {
	if kind, ok := kindByType[wireType]; ok {
		return kind
	}
	return KindUnknown
}

// WireType returns the canonical wire string for a known kind.
func (k MessageKind) WireType() string {
	if typ, ok := typeByKind[k]; ok {
		return typ
	}
	return "unknown"
}

// Known reports whether the kind names a servable operation.
func (k MessageKind) Known() bool {
	return k != KindUnknown
}

// Kinds returns every servable kind in wire-type order, for handler-table
// completeness checks.
func Kinds() []MessageKind {
	out := make([]MessageKind, 0, len(kindByType))
	for _, kind := range kindByType {
		out = append(out, kind)
	}
	return out
}
