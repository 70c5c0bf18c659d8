package input

import (
	"fmt"
	"strconv"

	"golang.org/x/text/cases"
)

// Key is the host-side key code. Numeric values are internal; scripts use
// the names returned by String.
type Key uint8

const (
	KeyUnknown Key = iota

	KeyA
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF
	KeyG
	KeyH
	KeyI
	KeyJ
	KeyK
	KeyL
	KeyM
	KeyN
	KeyO
	KeyP
	KeyQ
	KeyR
	KeyS
	KeyT
	KeyU
	KeyV
	KeyW
	KeyX
	KeyY
	KeyZ

	Key0
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9

	KeyArrowUp
	KeyArrowDown
	KeyArrowLeft
	KeyArrowRight

	KeyShift
	KeyCtrl
	KeyAlt
	KeyMeta

	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12

	KeySpace
	KeyEnter
	KeyEscape
	KeyTab
	KeyBackspace
	KeyDelete

	keyCount
)

var keyNames [keyCount]string

// byFoldedName is keyed by the case-folded script name.
var byFoldedName map[string]Key

var folder = cases.Fold()

func init() {
	for k := KeyA; k <= KeyZ; k++ {
		keyNames[k] = string(rune('A' + int(k-KeyA)))
	}
	for k := Key0; k <= Key9; k++ {
		keyNames[k] = string(rune('0' + int(k-Key0)))
	}
	for k := KeyF1; k <= KeyF12; k++ {
		keyNames[k] = "F" + strconv.Itoa(int(k-KeyF1)+1)
	}
	named := map[Key]string{
		KeyArrowUp:    "ArrowUp",
		KeyArrowDown:  "ArrowDown",
		KeyArrowLeft:  "ArrowLeft",
		KeyArrowRight: "ArrowRight",
		KeyShift:      "Shift",
		KeyCtrl:       "Ctrl",
		KeyAlt:        "Alt",
		KeyMeta:       "Meta",
		KeySpace:      "Space",
		KeyEnter:      "Enter",
		KeyEscape:     "Escape",
		KeyTab:        "Tab",
		KeyBackspace:  "Backspace",
		KeyDelete:     "Delete",
	}
	for k, n := range named {
		keyNames[k] = n
	}

	byFoldedName = make(map[string]Key, keyCount)
	for k := KeyA; k < keyCount; k++ {
		byFoldedName[folder.String(keyNames[k])] = k
	}
	// Common aliases seen in scripts.
	for alias, k := range map[string]Key{
		"Up": KeyArrowUp, "Down": KeyArrowDown, "Left": KeyArrowLeft, "Right": KeyArrowRight,
		"Control": KeyCtrl, "Esc": KeyEscape, "Return": KeyEnter, " ": KeySpace,
	} {
		byFoldedName[folder.String(alias)] = k
	}
}

func (k Key) String() string {
	if k == KeyUnknown || k >= keyCount {
		return fmt.Sprintf("Key(%d)", uint8(k))
	}
	return keyNames[k]
}

// Valid reports whether k names a real key.
func (k Key) Valid() bool { return k > KeyUnknown && k < keyCount }

// ParseKey resolves a script-side key name. Matching ignores case.
func ParseKey(name string) (Key, bool) {
	k, ok := byFoldedName[folder.String(name)]
	return k, ok
}

// MouseButton identifies a mouse button.
type MouseButton uint8

const (
	MouseLeft MouseButton = iota
	MouseRight
	MouseMiddle

	mouseButtonCount
)

func (b MouseButton) String() string {
	switch b {
	case MouseLeft:
		return "Left"
	case MouseRight:
		return "Right"
	case MouseMiddle:
		return "Middle"
	}
	return fmt.Sprintf("MouseButton(%d)", uint8(b))
}

// ParseMouseButton accepts "Left", "Right", "Middle" in any case.
func ParseMouseButton(name string) (MouseButton, bool) {
	switch folder.String(name) {
	case "left":
		return MouseLeft, true
	case "right":
		return MouseRight, true
	case "middle":
		return MouseMiddle, true
	}
	return 0, false
}
