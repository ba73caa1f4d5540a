package led

import (
	"sync"

	"github.com/gdamore/tcell/v2"

	"github.com/coreman2200/keyfx/internal/telemetry"
)

// DefaultKeymap assigns terminal keys to logical keys in index order.
const DefaultKeymap = "1234567890qwertyuiopasdfghjkl;zxcvbnm,./"

// TermDevice previews frames in a terminal, two cells per key laid out on
// the encoder's grid. Typed characters found in Keymap are fed to Input as
// key presses; Esc or Ctrl-C calls Quit.
type TermDevice struct {
	Screen tcell.Screen
	Enc    *Encoder
	Input  *telemetry.Queue
	Keymap string
	Quit   func()

	once sync.Once
	done chan struct{}
}

func NewTermDevice(s tcell.Screen, enc *Encoder, input *telemetry.Queue, quit func()) *TermDevice {
	return &TermDevice{Screen: s, Enc: enc, Input: input, Keymap: DefaultKeymap, Quit: quit}
}

func (d *TermDevice) Open() error {
	if err := d.Screen.Init(); err != nil {
		return err
	}
	d.Screen.Clear()
	d.done = make(chan struct{})
	go d.poll()
	return nil
}

func (d *TermDevice) poll() {
	defer close(d.done)
	for {
		ev := d.Screen.PollEvent()
		if ev == nil {
			return
		}
		key, ok := ev.(*tcell.EventKey)
		if !ok {
			continue
		}
		switch key.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			if d.Quit != nil {
				d.Quit()
			}
		case tcell.KeyRune:
			d.press(key.Rune())
		}
	}
}

func (d *TermDevice) press(r rune) {
	if d.Input == nil {
		return
	}
	for i, k := range d.Keymap {
		if k == r && i < d.Enc.Keys() {
			d.Input.Press(i)
			return
		}
	}
}

func (d *TermDevice) cols() int {
	l := d.Enc.Layout()
	if len(l.Table) > 0 || l.Cols <= 0 {
		return d.Enc.Keys()
	}
	return l.Cols
}

func (d *TermDevice) Write(frame []byte) error {
	px, err := d.Enc.Decode(frame)
	if err != nil {
		return err
	}
	cols := d.cols()
	for k, c := range px {
		st := tcell.StyleDefault.Background(tcell.NewRGBColor(int32(c[0]), int32(c[1]), int32(c[2])))
		x, y := (k%cols)*2, k/cols
		d.Screen.SetContent(x, y, ' ', nil, st)
		d.Screen.SetContent(x+1, y, ' ', nil, st)
	}
	d.Screen.Show()
	return nil
}

// Close restores the terminal and waits for the input loop to stop.
func (d *TermDevice) Close() error {
	d.once.Do(func() {
		d.Screen.Fini()
		if d.done != nil {
			<-d.done
		}
	})
	return nil
}
