package mqtt

import "strings"

// DefaultTopicPrefix is the root of every topic dcmonitor publishes.
const DefaultTopicPrefix = "devicecloud"

// Topics builds dcmonitor MQTT topics under a prefix.
//
//	t := mqtt.Topics{Prefix: "devicecloud"}
//	t.Event("178008", "DataPoint", "00000000-00000000-00409DFF-FF000001/temp")
//	// devicecloud/178008/DataPoint/00000000-00000000-00409DFF-FF000001/temp
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Event returns devicecloud/<monitor>/<kind>/<subject>. The subject keeps
// its inner slashes so stream and file hierarchies map onto topic levels.
func (t Topics) Event(monitorID, kind, subject string) string {
	return t.prefix() + "/" + Level(monitorID) + "/" + Level(kind) + "/" + Path(subject)
}

// MonitorEvents is the wildcard for every event of one monitor.
func (t Topics) MonitorEvents(monitorID string) string {
	return t.prefix() + "/" + Level(monitorID) + "/#"
}

// Status is the retained online/offline topic (also the LWT topic).
func (t Topics) Status() string {
	return t.prefix() + "/system/status"
}

// Level makes s usable as a single topic level: wildcards and separators
// become '_' and an empty value becomes "_".
func Level(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

// Path is Level applied to every segment of a slash separated path;
// leading, trailing and repeated slashes are dropped.
func Path(s string) string {
	var segs []string
	for seg := range strings.SplitSeq(s, "/") {
		if seg != "" {
			segs = append(segs, Level(seg))
		}
	}
	if len(segs) == 0 {
		return "_"
	}
	return strings.Join(segs, "/")
}

// validPublishTopic reports whether topic can be published to.
func validPublishTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#\x00")
}
