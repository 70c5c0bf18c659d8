package terminal

import (
	"unicode"

	"github.com/gdamore/tcell/v2"

	"github.com/longhorn/engine/internal/input"
)

var specialKeys = map[tcell.Key]input.Key{
	tcell.KeyUp:         input.KeyArrowUp,
	tcell.KeyDown:       input.KeyArrowDown,
	tcell.KeyLeft:       input.KeyArrowLeft,
	tcell.KeyRight:      input.KeyArrowRight,
	tcell.KeyEnter:      input.KeyEnter,
	tcell.KeyEscape:     input.KeyEscape,
	tcell.KeyTab:        input.KeyTab,
	tcell.KeyBackspace:  input.KeyBackspace,
	tcell.KeyBackspace2: input.KeyBackspace,
	tcell.KeyDelete:     input.KeyDelete,
	tcell.KeyF1:         input.KeyF1,
	tcell.KeyF2:         input.KeyF2,
	tcell.KeyF3:         input.KeyF3,
	tcell.KeyF4:         input.KeyF4,
	tcell.KeyF5:         input.KeyF5,
	tcell.KeyF6:         input.KeyF6,
	tcell.KeyF7:         input.KeyF7,
	tcell.KeyF8:         input.KeyF8,
	tcell.KeyF9:         input.KeyF9,
	tcell.KeyF10:        input.KeyF10,
	tcell.KeyF11:        input.KeyF11,
	tcell.KeyF12:        input.KeyF12,
}

// TranslateKey maps a terminal key press onto an engine key.
func TranslateKey(ev *tcell.EventKey) (input.Key, bool) {
	if ev.Key() != tcell.KeyRune {
		k, ok := specialKeys[ev.Key()]
		return k, ok
	}
	r := unicode.ToUpper(ev.Rune())
	switch {
	case r >= 'A' && r <= 'Z':
		return input.KeyA + input.Key(r-'A'), true
	case r >= '0' && r <= '9':
		return input.Key0 + input.Key(r-'0'), true
	case r == ' ':
		return input.KeySpace, true
	}
	return input.KeyUnknown, false
}

var buttonMap = []struct {
	mask   tcell.ButtonMask
	button input.MouseButton
}{
	{tcell.ButtonPrimary, input.MouseLeft},
	{tcell.ButtonSecondary, input.MouseRight},
	{tcell.ButtonMiddle, input.MouseMiddle},
}

// mouseChanges turns a button mask transition into engine events.
func mouseChanges(prev, cur tcell.ButtonMask) []input.Event {
	var out []input.Event
	for _, b := range buttonMap {
		was, is := prev&b.mask != 0, cur&b.mask != 0
		if was != is {
			out = append(out, input.MouseButtonEvent{Button: b.button, Down: is})
		}
	}
	if cur&tcell.WheelUp != 0 {
		out = append(out, input.MouseWheel{DY: 1})
	}
	if cur&tcell.WheelDown != 0 {
		out = append(out, input.MouseWheel{DY: -1})
	}
	return out
}
