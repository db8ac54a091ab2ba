package window

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

// Finder lists top-level X11 windows
type Finder struct {
	conn *xgb.Conn
	root xproto.Window
	owns bool
}

// NewFinder connects to the X server named by display ("" uses $DISPLAY).
func NewFinder(display string) (*Finder, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	f := NewFinderConn(conn)
	f.owns = true
	return f, nil
}

// NewFinderConn reuses an existing connection. Close leaves it open.
func NewFinderConn(conn *xgb.Conn) *Finder {
	return &Finder{
		conn: conn,
		root: xproto.Setup(conn).DefaultScreen(conn).Root,
	}
}

// Close releases the connection if the finder opened it.
func (f *Finder) Close() {
	if f.owns {
		f.conn.Close()
	}
}

// Find returns the largest window whose title or class matches pattern.
func (f *Finder) Find(pattern *regexp.Regexp) (Info, error) {
	windows, err := f.ListWindows()
	if err != nil {
		return Info{}, err
	}
	return Best(windows, pattern)
}

// ListWindows returns client windows from _NET_CLIENT_LIST, falling back to
// the children of the root window when the window manager is not EWMH aware.
func (f *Finder) ListWindows() ([]Info, error) {
	log := logger.WithComponent("window-finder")

	ids, err := f.clientList()
	if err != nil || len(ids) == 0 {
		log.Debug().Err(err).Msg("EWMH client list unavailable, falling back to QueryTree")
		tree, err := xproto.QueryTree(f.conn, f.root).Reply()
		if err != nil {
			return nil, fmt.Errorf("failed to query window tree: %w", err)
		}
		ids = tree.Children
	}

	windows := make([]Info, 0, len(ids))
	for _, id := range ids {
		info := f.info(id)
		// Unnamed windows are override-redirect popups and decorations
		if info.Title == "" && info.Class == "" {
			continue
		}
		windows = append(windows, info)
	}

	log.Debug().Int("count", len(windows)).Msg("Listed windows")
	return windows, nil
}

func (f *Finder) clientList() ([]xproto.Window, error) {
	atom, err := f.atom("_NET_CLIENT_LIST")
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(f.conn, false, f.root, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil {
		return nil, err
	}

	ids := make([]xproto.Window, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		ids = append(ids, xproto.Window(binary.LittleEndian.Uint32(reply.Value[i:])))
	}
	return ids, nil
}

func (f *Finder) info(win xproto.Window) Info {
	info := Info{ID: uint32(win)}

	if geom, err := xproto.GetGeometry(f.conn, xproto.Drawable(win)).Reply(); err == nil {
		info.Geometry = Geometry{
			X:      int(geom.X),
			Y:      int(geom.Y),
			Width:  int(geom.Width),
			Height: int(geom.Height),
		}
	}

	for _, name := range []string{"_NET_WM_NAME", "WM_NAME"} {
		if title, err := f.property(win, name); err == nil && title != "" {
			info.Title = title
			break
		}
	}

	// WM_CLASS is "instance\0class\0"
	if raw, err := f.property(win, "WM_CLASS"); err == nil {
		parts := strings.Split(raw, "\x00")
		if len(parts) >= 2 && parts[1] != "" {
			info.Class = parts[1]
		} else if parts[0] != "" {
			info.Class = parts[0]
		}
	}

	if atom, err := f.atom("_NET_WM_PID"); err == nil {
		reply, err := xproto.GetProperty(f.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
		if err == nil && len(reply.Value) >= 4 {
			info.PID = int(binary.LittleEndian.Uint32(reply.Value))
		}
	}

	return info
}

func (f *Finder) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(f.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

func (f *Finder) property(win xproto.Window, name string) (string, error) {
	atom, err := f.atom(name)
	if err != nil {
		return "", err
	}
	reply, err := xproto.GetProperty(f.conn, false, win, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil {
		return "", err
	}
	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property %s", name)
	}
	return string(reply.Value), nil
}
