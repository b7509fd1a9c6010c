// Package hostenv assembles the per-session host context attached to every
// telemetry event, and carries the host-level telemetry consent signal.
package hostenv

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// Context is the flat record of descriptive tags describing the host
// session. It is assembled once per session and read-only afterwards.
type Context struct {
	EnvironmentKind  string // "desktop", "web", "ci", ...
	AppName          string
	AppVersion       string
	ExtensionID      string
	ExtensionVersion string
	ExtensionMode    string // "production", "development", "test"
	MachineID        string
	SessionID        string
	Language         string
	Platform         string
	RemoteName       string
	Shell            string
	UIKind           string
	HostVersion      string
}

// Info describes the embedding application. All fields are optional;
// Collect fills in what it can discover on its own.
type Info struct {
	EnvironmentKind  string
	AppName          string
	AppVersion       string
	ExtensionID      string
	ExtensionVersion string
	ExtensionMode    string
	RemoteName       string
	UIKind           string
	HostVersion      string
}

// Collect assembles the session context. The session id is fresh per call;
// the machine id is a stable anonymized hash of hostname and user, never
// the raw values.
func Collect(info Info) Context {
	ctx := Context{
		EnvironmentKind:  info.EnvironmentKind,
		AppName:          info.AppName,
		AppVersion:       info.AppVersion,
		ExtensionID:      info.ExtensionID,
		ExtensionVersion: info.ExtensionVersion,
		ExtensionMode:    info.ExtensionMode,
		MachineID:        machineID(),
		SessionID:        uuid.NewString(),
		Language:         firstEnv("LC_ALL", "LC_MESSAGES", "LANG"),
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		RemoteName:       info.RemoteName,
		Shell:            os.Getenv("SHELL"),
		UIKind:           info.UIKind,
		HostVersion:      info.HostVersion,
	}
	if ctx.EnvironmentKind == "" {
		ctx.EnvironmentKind = "desktop"
	}
	if ctx.ExtensionMode == "" {
		ctx.ExtensionMode = "production"
	}
	return ctx
}

// Attributes returns the context as a flat attribute map, omitting empty
// fields so absent means unset.
func (c Context) Attributes() map[string]interface{} {
	fields := map[string]string{
		"common.environment":      c.EnvironmentKind,
		"common.appname":          c.AppName,
		"common.appversion":       c.AppVersion,
		"common.extensionid":      c.ExtensionID,
		"common.extensionversion": c.ExtensionVersion,
		"common.extensionmode":    c.ExtensionMode,
		"common.machineid":        c.MachineID,
		"common.sessionid":        c.SessionID,
		"common.language":         c.Language,
		"common.platform":         c.Platform,
		"common.remotename":       c.RemoteName,
		"common.shell":            c.Shell,
		"common.uikind":           c.UIKind,
		"common.hostversion":      c.HostVersion,
	}
	attrs := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if v != "" {
			attrs[k] = v
		}
	}
	return attrs
}

// machineID derives a stable, non-reversible identifier for this machine.
func machineID() string {
	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	sum := sha256.Sum256([]byte(hostname + "\x00" + username))
	return hex.EncodeToString(sum[:16])
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Consent carries the host-level telemetry enablement flag and notifies
// listeners when it flips. The notification carries no payload; listeners
// re-read Enabled.
type Consent struct {
	mu        sync.Mutex
	enabled   bool
	listeners []chan struct{}
}

// NewConsent creates a consent flag with the given initial state.
func NewConsent(enabled bool) *Consent {
	return &Consent{enabled: enabled}
}

// Enabled reports the current host consent state.
func (c *Consent) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Set updates the flag and notifies subscribers on any change.
func (c *Consent) Set(enabled bool) {
	c.mu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	listeners := make([]chan struct{}, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a signal per consent change.
func (c *Consent) Subscribe() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{}, 1)
	c.listeners = append(c.listeners, ch)
	return ch
}
