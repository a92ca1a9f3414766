// Package monitor registers push monitors with Device Cloud and delivers
// their events to application callbacks.
//
// A monitor is a server-side subscription to one or more topics. The
// Registry creates, finds and deletes monitor descriptors through the
// /ws/Monitor web service. A Handle ties one descriptor to a dispatch
// engine and, for TCP monitors, a push session that keeps a connection
// alive in the background:
//
//	reg := monitor.NewRegistry(client, logger)
//	h, err := monitor.Create(ctx, reg, monitor.Config{
//	    Options: monitor.Options{Topics: []string{"DataPoint[U]"}},
//	})
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//	h.AddCallback(func(ev event.PushEvent) error { ... })
//
// HTTP monitors have the server call back to a URL instead. Their events
// arrive through a Receiver mounted on the local API server and are
// dispatched through the same callback set.
package monitor
