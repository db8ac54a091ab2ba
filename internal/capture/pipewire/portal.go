// Package pipewire captures the screen on Wayland through the
// xdg-desktop-portal ScreenCast interface and a gst-launch subprocess.
package pipewire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor uint32 = 1 << 0
	SourceTypeWindow  uint32 = 1 << 1
)

const (
	cursorModeHidden   uint32 = 1 << 0
	persistModeSession uint32 = 2
)

// Portal negotiates a ScreenCast session and yields the PipeWire node to
// read from.
type Portal struct {
	conn       *dbus.Conn
	sourceType uint32
	tokenPath  string

	mu            sync.Mutex
	sessionHandle dbus.ObjectPath
	restoreToken  string
	requests      int
}

// NewPortal connects to the session bus. sourceType selects whether the
// user is asked for a monitor or a single window.
func NewPortal(sourceType uint32) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}

	p := &Portal{
		conn:       conn,
		sourceType: sourceType,
		tokenPath:  filepath.Join(configDir, "glassesstreamer", "portal_token.json"),
	}
	p.restoreToken = loadToken(p.tokenPath)
	return p, nil
}

// Available reports whether a ScreenCast portal answers on the session bus.
func Available() bool {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return false
	}
	defer conn.Close()

	var version dbus.Variant
	err = conn.Object(portalService, portalPath).
		Call("org.freedesktop.DBus.Properties.Get", 0, screenCastIface, "version").
		Store(&version)
	return err == nil
}

// Close ends the session and the bus connection.
func (p *Portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionHandle != "" {
		p.conn.Object(portalService, p.sessionHandle).Call(sessionIface+".Close", 0)
		p.sessionHandle = ""
	}
	return p.conn.Close()
}

// Open runs CreateSession, SelectSources and Start. The desktop may show a
// picker dialog; a saved restore token skips it on later runs.
func (p *Portal) Open() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.WithComponent("portal")

	results, err := p.request("CreateSession", 30*time.Second, map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(p.token("session")),
	})
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	handle, err := sessionHandle(results)
	if err != nil {
		return 0, err
	}
	p.sessionHandle = handle
	log.Debug().Str("session", string(handle)).Msg("Created portal session")

	opts := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(p.sourceType),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(cursorModeHidden),
		"persist_mode": dbus.MakeVariant(persistModeSession),
	}
	if p.restoreToken != "" {
		opts["restore_token"] = dbus.MakeVariant(p.restoreToken)
	}
	if _, err := p.request("SelectSources", 2*time.Minute, opts, handle); err != nil {
		return 0, fmt.Errorf("select sources: %w", err)
	}

	results, err = p.request("Start", 2*time.Minute, map[string]dbus.Variant{}, handle, "")
	if err != nil {
		return 0, fmt.Errorf("start: %w", err)
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != "" {
			p.restoreToken = token
			if err := saveToken(p.tokenPath, token); err != nil {
				log.Warn().Err(err).Msg("Failed to save portal restore token")
			}
		}
	}

	streams, ok := results["streams"]
	if !ok {
		return 0, fmt.Errorf("no streams in Start response")
	}
	nodeID, err := parseNodeID(streams.Value())
	if err != nil {
		return 0, err
	}

	log.Info().Uint32("node_id", nodeID).Msg("Screen cast session started")
	return nodeID, nil
}

func (p *Portal) token(prefix string) string {
	p.requests++
	return fmt.Sprintf("glassesstreamer_%s_%d_%d", prefix, os.Getpid(), p.requests)
}

// request calls a ScreenCast method and waits for the matching Response
// signal on the returned request object. args precede the options map.
func (p *Portal) request(method string, timeout time.Duration, opts map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")

	opts["handle_token"] = dbus.MakeVariant(p.token("req"))

	// Subscribe before calling so a fast response is not missed
	signals := make(chan *dbus.Signal, 10)
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	callArgs := append(args, opts)
	if err := p.conn.Object(portalService, portalPath).
		Call(screenCastIface+"."+method, 0, callArgs...).
		Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	log.Debug().Str("method", method).Str("request", string(requestPath)).Msg("Waiting for portal response")

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

// parseResponse decodes the (u a{sv}) body of a Request.Response signal.
func parseResponse(body []interface{}) (map[string]dbus.Variant, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("invalid portal response")
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid portal response code %T", body[0])
	}
	switch code {
	case 0:
	case 1:
		return nil, fmt.Errorf("cancelled by user")
	default:
		return nil, fmt.Errorf("portal request failed (code %d)", code)
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("invalid portal results %T", body[1])
	}
	return results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type %T", h)
	}
}

// parseNodeID reads the first node id out of the a(ua{sv}) streams value.
func parseNodeID(streams interface{}) (uint32, error) {
	switch v := streams.(type) {
	case [][]interface{}:
		if len(v) > 0 && len(v[0]) > 0 {
			if id, ok := v[0][0].(uint32); ok {
				return id, nil
			}
		}
	case []interface{}:
		if len(v) > 0 {
			if stream, ok := v[0].([]interface{}); ok && len(stream) > 0 {
				if id, ok := stream[0].(uint32); ok {
					return id, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("unrecognised streams value %T", streams)
}

type tokenFile struct {
	Token string `json:"token"`
}

func loadToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t tokenFile
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(tokenFile{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
