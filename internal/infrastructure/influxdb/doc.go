// Package influxdb records push event values in InfluxDB v2.
//
// It wraps influxdb-client-go's non-blocking write API: points are
// batched (batch_size, flush_interval) and write failures are reported
// asynchronously through SetOnError.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoint("datapoint",
//	    map[string]string{"monitor_id": "178008", "stream_id": "temp"},
//	    map[string]any{"value": 21.5},
//	    ts)
package influxdb
