package events

// Type identifies the kind of a capture event. The set is closed: adding a
// variant is a protocol version bump, and the wire strings are part of the
// IPC contract with the intelligence process.
type Type string

// Application and window events.
const (
	TypeAppSwitch   Type = "app_switch"
	TypeWindowFocus Type = "window_focus"
	TypeTabSwitch   Type = "tab_switch"
)

// Input events.
const (
	TypeMouseClick       Type = "mouse_click"
	TypeMouseDoubleClick Type = "mouse_double_click"
	TypeMouseDrag        Type = "mouse_drag"
	TypeKeyboardAction   Type = "keyboard_action"
	TypeKeyboardShortcut Type = "keyboard_shortcut"
	TypeCopyPaste        Type = "copy_paste"
	TypeScroll           Type = "scroll"
)

// Document and navigation events.
const (
	TypeFileOpen      Type = "file_open"
	TypeFileSave      Type = "file_save"
	TypeURLNavigation Type = "url_navigation"
)

// Derived and synthesized events.
const (
	TypeScreenCapture        Type = "screen_capture"
	TypeUIElementInteraction Type = "ui_element_interaction"
	TypeIdleStart            Type = "idle_start"
	TypeIdleEnd              Type = "idle_end"
)

// AllTypes lists every event type in the protocol.
var AllTypes = []Type{
	TypeAppSwitch, TypeWindowFocus, TypeMouseClick, TypeMouseDoubleClick,
	TypeMouseDrag, TypeKeyboardAction, TypeKeyboardShortcut, TypeCopyPaste,
	TypeScroll, TypeTabSwitch, TypeFileOpen, TypeFileSave, TypeURLNavigation,
	TypeScreenCapture, TypeUIElementInteraction, TypeIdleStart, TypeIdleEnd,
}

var validTypes = func() map[Type]struct{} {
	m := make(map[Type]struct{}, len(AllTypes))
	for _, t := range AllTypes {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	_, ok := validTypes[t]
	return ok
}
