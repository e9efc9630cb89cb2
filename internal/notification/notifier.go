package notification

import (
	"errors"
	"sync"
)

// Notifier fans notifications out to the enabled channels.
type Notifier struct {
	channels []Channel
	wg       sync.WaitGroup
}

// Option configures a Notifier
type Option func(*options)

type options struct {
	runner   Runner
	platform string
}

// WithRunner replaces the command runner used for desktop notifications
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithPlatform overrides runtime.GOOS for desktop notifications
func WithPlatform(platform string) Option {
	return func(o *options) { o.platform = platform }
}

// New builds a Notifier. With every channel disabled it is a no-op.
func New(cfg Config, opts ...Option) *Notifier {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	n := &Notifier{}
	if cfg.Desktop.Enabled {
		n.channels = append(n.channels, newDesktopChannel(cfg.Desktop, o.runner, o.platform))
	}
	if cfg.Log.Enabled && cfg.Log.Path != "" {
		n.channels = append(n.channels, newLogChannel(cfg.Log))
	}
	return n
}

// Enabled reports whether any channel is active.
func (n *Notifier) Enabled() bool {
	return len(n.channels) > 0
}

// Send delivers to every channel, joining their errors.
func (n *Notifier) Send(notes ...Notification) error {
	var errs []error
	for _, note := range notes {
		for _, ch := range n.channels {
			if err := ch.Send(note); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SendAsync delivers without blocking the caller. Close waits for it.
func (n *Notifier) SendAsync(notes ...Notification) {
	if !n.Enabled() || len(notes) == 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = n.Send(notes...)
	}()
}

// Close waits for pending sends and releases the channels.
func (n *Notifier) Close() error {
	n.wg.Wait()
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
