// Package cloud is the HTTP request layer for the Device Cloud web services.
//
// It issues authenticated requests against the /ws resource tree, retries
// failed attempts, walks paged JSON result sets, and compiles the small
// query-condition language used by resource lookups:
//
//	c, err := cloud.New(cloud.Config{
//	    Credentials: cloud.Credentials{Username: "user", Password: "pass"},
//	})
//	cond := cloud.And(cloud.Attr("monTopic").Eq("DataPoint[U]"),
//	    cloud.Attr("monTransportType").Eq("tcp"))
//	err = c.IterJSONPages(ctx, "/ws/Monitor", cloud.Query(cond), 0, visit)
//
// Credentials are an explicit value on each Client. There is no package
// level account state, so clients for different accounts can coexist in
// one process.
package cloud
