package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/l0p7/swgate/internal/runtime/event"
)

// Dispatch runs ev through the dispatch table and records the outcome.
// Fetch events are logged at debug; everything else at info.
func (w *Worker) Dispatch(ctx context.Context, ev event.Event) error {
	if ev == nil {
		return errors.New("runtime: nil event")
	}
	start := time.Now()
	err := w.table.Dispatch(ctx, ev)
	duration := time.Since(start)

	result := "ok"
	switch {
	case errors.Is(err, event.ErrUnhandled):
		result = "unhandled"
	case err != nil:
		result = "error"
	}
	kind := string(ev.Kind())
	w.metrics.ObserveEvent(kind, result)

	level := slog.LevelInfo
	if ev.Kind() == event.KindFetch {
		level = slog.LevelDebug
	}
	attrs := []slog.Attr{
		slog.String("event", kind),
		slog.String("result", result),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	switch e := ev.(type) {
	case event.SyncEvent:
		attrs = append(attrs, slog.String("tag", e.Tag))
	case event.MessageEvent:
		attrs = append(attrs, slog.String("type", e.Type))
		if e.Source != "" {
			attrs = append(attrs, slog.String("client", e.Source))
		}
	case event.InstallEvent:
		attrs = append(attrs, slog.String("version", e.Version))
	case event.ActivateEvent:
		attrs = append(attrs, slog.String("version", e.Version))
	case event.NotificationClickEvent:
		attrs = append(attrs, slog.String("action", e.Action))
	}
	w.logger.LogAttrs(ctx, level, "event dispatched", attrs...)
	return err
}
