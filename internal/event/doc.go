// Package event defines PushEvent, the application-visible notification
// delivered by a monitor, and decodes the JSON and XML event documents the
// Device Cloud pushes.
//
// PushEvent is a tagged union. Kind is chosen from the topic prefix and
// selects which of DataPoint, Device or File is set:
//
//	DataPoint[U]          -> KindDataPoint     (e.DataPoint)
//	DeviceCore            -> KindDeviceStatus  (e.Device)
//	FileData, FileDataCore -> KindFileMetadata (e.File)
//	anything else         -> KindUnknown       (only e.Raw)
//
// A document is either an envelope holding one or more messages:
//
//	{"Document":{"Msg":{"topic":"7603/DataPoint/temp","operation":"INSERTION",
//	    "DataPoint":{"streamId":"temp","data":"21.5"}}}}
//
// or a bare payload object, which is attributed to the monitor's first topic.
package event
