package events

import (
	"fmt"
	"regexp"
	"strings"
)

// ResourceClass a kind of backend job whose progress is pushed to clients
type ResourceClass struct {
	// Name is the short class name
	Name string
	// Route is the WebSocket route segment clients connect on
	Route string
	// TopicPrefix is the prefix of the class's topics
	TopicPrefix string
	// Channel is the bus channel prefix workers publish on
	Channel string
	// IDField is the frame field carrying the resource id
	IDField string
}

// FileClass document ingestion jobs
var FileClass = ResourceClass{
	Name:        "file",
	Route:       "processing",
	TopicPrefix: "file_processing",
	Channel:     "file_updates",
	IDField:     "file_uuid",
}

// QueryClass chat query answering jobs
var QueryClass = ResourceClass{
	Name:        "query",
	Route:       "chat",
	TopicPrefix: "query_processing",
	Channel:     "query_updates",
	IDField:     "query_uuid",
}

// Classes all known resource classes
var Classes = []ResourceClass{FileClass, QueryClass}

// ClassByRoute find the class served on a WebSocket route segment
func ClassByRoute(route string) (ResourceClass, bool) {
	for _, c := range Classes {
		if c.Route == route {
			return c, true
		}
	}
	return ResourceClass{}, false
}

// ClassByName find the class with the given short name
func ClassByName(name string) (ResourceClass, bool) {
	for _, c := range Classes {
		if c.Name == name {
			return c, true
		}
	}
	return ResourceClass{}, false
}

// SubjectPattern the bus subject pattern matching every resource of this class
func (c ResourceClass) SubjectPattern() string {
	return c.Channel + ".*"
}

// Topic builds the topic for one resource of this class
func (c ResourceClass) Topic(resourceID string) (Topic, error) {
	if err := ValidateResourceID(resourceID); err != nil {
		return "", err
	}
	return Topic(c.TopicPrefix + topicSeparator + resourceID), nil
}

// ===============================================================================

const topicSeparator = ":"

var resourceIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateResourceID check a resource id can be carried as a single bus subject token
func ValidateResourceID(id string) error {
	if !resourceIDRegex.MatchString(id) {
		return fmt.Errorf("%w: '%s'", ErrInvalidResourceID, id)
	}
	return nil
}

// Topic the key of one resource's event stream, "{class topic prefix}:{resource id}"
type Topic string

// ParseTopic parse and validate a topic string
func ParseTopic(raw string) (Topic, error) {
	prefix, id, ok := strings.Cut(raw, topicSeparator)
	if !ok {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidTopic, raw)
	}
	for _, c := range Classes {
		if c.TopicPrefix == prefix {
			return c.Topic(id)
		}
	}
	return "", fmt.Errorf("%w: unknown class in '%s'", ErrInvalidTopic, raw)
}

// TopicFromSubject derive the topic from a bus subject "{channel}.{resource id}"
func TopicFromSubject(subject string) (Topic, error) {
	channel, id, ok := strings.Cut(subject, ".")
	if !ok {
		return "", fmt.Errorf("%w: subject '%s'", ErrInvalidTopic, subject)
	}
	for _, c := range Classes {
		if c.Channel == channel {
			return c.Topic(id)
		}
	}
	return "", fmt.Errorf("%w: unknown channel in subject '%s'", ErrInvalidTopic, subject)
}

// Class the resource class of the topic
func (t Topic) Class() ResourceClass {
	prefix, _, _ := strings.Cut(string(t), topicSeparator)
	for _, c := range Classes {
		if c.TopicPrefix == prefix {
			return c
		}
	}
	return ResourceClass{}
}

// ResourceID the resource id part of the topic
func (t Topic) ResourceID() string {
	_, id, _ := strings.Cut(string(t), topicSeparator)
	return id
}

// Subject the bus subject events of this topic are published on
func (t Topic) Subject() string {
	return t.Class().Channel + "." + t.ResourceID()
}

// String implements fmt.Stringer
func (t Topic) String() string {
	return string(t)
}
