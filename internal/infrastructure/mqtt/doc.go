// Package mqtt republishes Device Cloud push events to an MQTT broker.
//
// Each delivered event is published as JSON to
//
//	<prefix>/<monitor id>/<kind>/<subject>
//
// where subject is the stream id, device id or file path. A retained
// <prefix>/system/status topic carries online/offline state, with a Last
// Will so subscribers see unexpected disconnects.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := client.Topics().Event(ev.MonitorID, string(ev.Kind), ev.Subject())
//	err = client.Publish(topic, body, client.QoS(), cfg.MQTT.Retain)
//
// TLS should be enabled (broker.tls) whenever the broker is not local.
package mqtt
