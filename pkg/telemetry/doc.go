// Package telemetry is the host-facing facade for reporting usage and error
// events from an extension host.
//
// # Overview
//
// A single Service instance gates all event reporting behind two consents:
// the telemetry.enabled config flag and the host-level consent signal. While
// either withholds consent the service is disabled: every call is a cheap
// no-op and nothing leaves the process. When both permit, a Provider is
// constructed after a short deferred-initialization delay and events flow
// to it, tagged with the session's global attributes.
//
// # Usage
//
// Create a service wired to config and consent:
//
//	cfg, err := config.Load(path)
//	svc := telemetry.NewService(cfg.Telemetry,
//	    telemetry.WithConsent(consent),
//	    telemetry.WithWatcher(watcher),
//	    telemetry.WithProviderFactory(telemetry.OTLPFactory()),
//	)
//	defer svc.Dispose()
//
// Report events and spans:
//
//	svc.SendEvent("extension.activate", telemetry.EventData{"cold": true}, nil, time.Time{}, time.Time{})
//
//	h := svc.StartEvent("index.build", nil, nil, time.Now())
//	defer h.End()
//
// # Error Handling
//
// Telemetry must never break the host. No method panics or returns an
// error; provider construction and disposal failures are logged and
// swallowed.
package telemetry
