package wakelock

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	screenSaverService = "org.freedesktop.ScreenSaver"
	screenSaverPath    = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
)

// DBusInhibitor inhibits the screensaver through the freedesktop ScreenSaver
// service on the session bus.
type DBusInhibitor struct {
	conn *dbus.Conn
	app  string
}

func NewDBusInhibitor(appName string) (*DBusInhibitor, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &DBusInhibitor{conn: conn, app: appName}, nil
}

func (d *DBusInhibitor) Inhibit(reason string) (uint32, error) {
	obj := d.conn.Object(screenSaverService, screenSaverPath)
	var cookie uint32
	if err := obj.Call(screenSaverService+".Inhibit", 0, d.app, reason).Store(&cookie); err != nil {
		return 0, fmt.Errorf("screensaver inhibit failed: %w", err)
	}
	return cookie, nil
}

func (d *DBusInhibitor) UnInhibit(cookie uint32) error {
	obj := d.conn.Object(screenSaverService, screenSaverPath)
	if call := obj.Call(screenSaverService+".UnInhibit", 0, cookie); call.Err != nil {
		return fmt.Errorf("screensaver uninhibit failed: %w", call.Err)
	}
	return nil
}

func (d *DBusInhibitor) Close() error {
	return d.conn.Close()
}

// NoopInhibitor keeps the coordinator functional on hosts without a session
// bus.
type NoopInhibitor struct{}

func (NoopInhibitor) Inhibit(reason string) (uint32, error) { return 0, nil }

func (NoopInhibitor) UnInhibit(cookie uint32) error { return nil }

func (NoopInhibitor) Close() error { return nil }
